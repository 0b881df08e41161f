package userstore

import (
	"testing"
)

func TestIdAssignmentSkipsReservedAndInUse(t *testing.T) {
	store := CreateUserStore(4)

	first := store.GetNewUserId()
	if first != 1 {
		t.Fatalf("expected first id 1, got %d", first)
	}
	if createErr := store.CreateUser(first, "alice", 100); createErr != nil {
		t.Fatalf("failed to create user: %v", createErr)
	}

	second := store.GetNewUserId()
	if second == first || second == 0 || second == 0xFFFF {
		t.Fatalf("got unusable id %d", second)
	}
}

func TestCreateUserRejectsDuplicatesAndOverflow(t *testing.T) {
	store := CreateUserStore(2)

	if createErr := store.CreateUser(1, "alice", 100); createErr != nil {
		t.Fatalf("failed to create first user: %v", createErr)
	}
	if createErr := store.CreateUser(1, "bob", 100); createErr == nil {
		t.Fatalf("expected duplicate id error")
	} else if _, isDup := createErr.(*DuplicateUserIdError); !isDup {
		t.Fatalf("expected DuplicateUserIdError, got %T", createErr)
	}

	if createErr := store.CreateUser(2, "bob", 100); createErr != nil {
		t.Fatalf("failed to create second user: %v", createErr)
	}
	if createErr := store.CreateUser(3, "carol", 100); createErr == nil {
		t.Fatalf("expected capacity error")
	} else if _, isFull := createErr.(*TooManyUsersError); !isFull {
		t.Fatalf("expected TooManyUsersError, got %T", createErr)
	}

	store.RemoveUser(1)
	if createErr := store.CreateUser(3, "carol", 100); createErr != nil {
		t.Fatalf("failed to create user after removal: %v", createErr)
	}
}

func TestTimeoutListOnlyContainsSilentLoggedInUsers(t *testing.T) {
	store := CreateUserStore(8)

	store.CreateUser(1, "silent", 100)
	store.CreateUser(2, "chatty", 100)
	store.CreateUser(3, "pending", 100)
	store.MarkLoggedIn(1)
	store.MarkLoggedIn(2)

	if setErr := store.SetRecvTimestamp(2, 500); setErr != nil {
		t.Fatalf("failed to update timestamp: %v", setErr)
	}

	timeouts := store.GetTimeoutUserList(300)
	if len(timeouts) != 1 || timeouts[0] != 1 {
		t.Fatalf("expected only user 1 in timeout list, got %v", timeouts)
	}
}

func TestAuthTimeoutListOnlyContainsUsersThatNeverLoggedIn(t *testing.T) {
	store := CreateUserStore(8)

	store.CreateUser(1, "pending", 100)
	store.CreateUser(2, "done", 100)
	store.CreateUser(3, "fresh", 400)
	store.MarkLoggedIn(2)

	timeouts := store.GetAuthTimeoutUserList(300)
	if len(timeouts) != 1 || timeouts[0] != 1 {
		t.Fatalf("expected only user 1 in auth timeout list, got %v", timeouts)
	}
}

func TestSetRecvTimestampUnknownUser(t *testing.T) {
	store := CreateUserStore(8)
	if setErr := store.SetRecvTimestamp(9, 100); setErr == nil {
		t.Fatalf("expected missing user error")
	} else if _, isMissing := setErr.(*MissingUserIdError); !isMissing {
		t.Fatalf("expected MissingUserIdError, got %T", setErr)
	}
}
