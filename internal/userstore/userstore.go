package userstore

import (
	"fmt"
	"sync"
)

type DuplicateUserIdError struct {
	Id uint16
}

func (e *DuplicateUserIdError) Error() string {
	return fmt.Sprintf("Attempted to create user with duplicate ID %d", e.Id)
}

type MissingUserIdError struct {
	Id uint16
}

func (e *MissingUserIdError) Error() string {
	return fmt.Sprintf("Missing user with id=%d", e.Id)
}

type TooManyUsersError struct{}

func (e *TooManyUsersError) Error() string {
	return "Too many users are connected - cannot create new user"
}

type UserRecord struct {
	Mut         sync.RWMutex
	IsLoggedIn  bool
	Username    string
	CreatedTime int64
	LastMsgTime int64
}

// UserStore tracks liveness timestamps for every connected user so the
// keepalive sweeper can find the dead ones without walking server state.
type UserStore struct {
	MaxUsers int

	mut_users  sync.RWMutex
	users      map[uint16]*UserRecord
	nextUserId uint16
}

func CreateUserStore(maxUsers int) *UserStore {
	return &UserStore{
		MaxUsers: maxUsers,
		users:    make(map[uint16]*UserRecord),
	}
}

// GetNewUserId hands out ids starting from 1. The id space wraps long
// before the map does, so ids already in use are skipped.
func (store *UserStore) GetNewUserId() uint16 {
	store.mut_users.Lock()
	defer store.mut_users.Unlock()

	for {
		store.nextUserId++
		if store.nextUserId == 0 || store.nextUserId == 0xFFFF {
			store.nextUserId = 1
		}
		if _, has := store.users[store.nextUserId]; !has {
			return store.nextUserId
		}
	}
}

func (store *UserStore) HasUser(userId uint16) bool {
	store.mut_users.RLock()
	defer store.mut_users.RUnlock()

	_, has := store.users[userId]
	return has
}

func (store *UserStore) NumUsers() int {
	store.mut_users.RLock()
	defer store.mut_users.RUnlock()
	return len(store.users)
}

func (store *UserStore) CreateUser(userId uint16, username string, timestamp int64) error {
	store.mut_users.Lock()
	defer store.mut_users.Unlock()

	if _, has := store.users[userId]; has {
		return &DuplicateUserIdError{Id: userId}
	}

	if len(store.users) >= store.MaxUsers {
		return &TooManyUsersError{}
	}

	store.users[userId] = &UserRecord{
		Username:    username,
		CreatedTime: timestamp,
		LastMsgTime: timestamp,
	}

	return nil
}

func (store *UserStore) RemoveUser(userId uint16) {
	store.mut_users.Lock()
	defer store.mut_users.Unlock()
	delete(store.users, userId)
}

// MarkLoggedIn flips a user from handshaking to fully connected.
func (store *UserStore) MarkLoggedIn(userId uint16) error {
	store.mut_users.RLock()
	defer store.mut_users.RUnlock()

	record, has := store.users[userId]
	if !has {
		return &MissingUserIdError{Id: userId}
	}

	record.Mut.Lock()
	defer record.Mut.Unlock()

	record.IsLoggedIn = true
	return nil
}

func (store *UserStore) SetRecvTimestamp(userId uint16, timestamp int64) error {
	store.mut_users.RLock()
	defer store.mut_users.RUnlock()

	record, has := store.users[userId]
	if !has {
		return &MissingUserIdError{Id: userId}
	}

	record.Mut.Lock()
	defer record.Mut.Unlock()

	record.LastMsgTime = timestamp
	return nil
}

// GetTimeoutUserList returns logged-in users that have been silent past the
// given deadline.
func (store *UserStore) GetTimeoutUserList(msgDeadline int64) []uint16 {
	store.mut_users.RLock()
	defer store.mut_users.RUnlock()

	usersToKick := []uint16{}

	for userId, record := range store.users {
		record.Mut.RLock()
		shouldKick := record.IsLoggedIn && record.LastMsgTime < msgDeadline
		record.Mut.RUnlock()

		if shouldKick {
			usersToKick = append(usersToKick, userId)
		}
	}

	return usersToKick
}

// GetAuthTimeoutUserList returns users that connected but never finished
// logging in before the deadline.
func (store *UserStore) GetAuthTimeoutUserList(loginDeadline int64) []uint16 {
	store.mut_users.RLock()
	defer store.mut_users.RUnlock()

	usersToKick := []uint16{}

	for userId, record := range store.users {
		record.Mut.RLock()
		shouldKick := !record.IsLoggedIn && record.CreatedTime < loginDeadline
		record.Mut.RUnlock()

		if shouldKick {
			usersToKick = append(usersToKick, userId)
		}
	}

	return usersToKick
}
