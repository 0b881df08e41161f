package kwire

// Connection type buckets. The value doubles as the number of input actions
// a client bundles per GameData message (60/value updates per second).
const (
	ConnectionTypeLAN       uint8 = 1
	ConnectionTypeExcellent uint8 = 2
	ConnectionTypeGood      uint8 = 3
	ConnectionTypeAverage   uint8 = 4
	ConnectionTypeLow       uint8 = 5
	ConnectionTypeBad       uint8 = 6
)

func validConnectionType(t uint8) bool {
	return t >= ConnectionTypeLAN && t <= ConnectionTypeBad
}

// Quit is the server notification that a user left.
type Quit struct {
	Username string
	UserId   uint16
	Message  string
}

func (m *Quit) TypeId() uint8       { return TypeQuit }
func (m *Quit) MessageName() string { return "Quit_Notification" }

func (m *Quit) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeUint16(m.UserId)
	w.writeString(m.Message)
}

// QuitRequest is the client asking to leave the server; same discriminant as
// Quit, distinguished by the blank-name/0xFFFF sentinels.
type QuitRequest struct {
	Message string
}

func (m *QuitRequest) TypeId() uint8       { return TypeQuit }
func (m *QuitRequest) MessageName() string { return "Quit_Request" }

func (m *QuitRequest) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint16(sentinelUserId)
	w.writeString(m.Message)
}

func decodeQuit(r *bodyReader) (Message, error) {
	username := r.readString()
	userId := r.readUint16()
	message := r.readString()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}

	if username == "" && userId == sentinelUserId {
		return &QuitRequest{Message: message}, nil
	}
	return &Quit{Username: username, UserId: userId, Message: message}, nil
}

// UserJoined announces a freshly logged-in user to everyone else.
type UserJoined struct {
	Username       string
	UserId         uint16
	Ping           uint32
	ConnectionType uint8
}

func (m *UserJoined) TypeId() uint8       { return TypeUserJoined }
func (m *UserJoined) MessageName() string { return "UserJoined" }

func (m *UserJoined) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeUint16(m.UserId)
	w.writeUint32(m.Ping)
	w.writeByte(m.ConnectionType)
}

func decodeUserJoined(r *bodyReader) (Message, error) {
	m := &UserJoined{
		Username:       r.readString(),
		UserId:         r.readUint16(),
		Ping:           r.readUint32(),
		ConnectionType: r.readByte(),
	}
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	if m.Username == "" {
		r.malformed("blank username")
		return nil, r.err()
	}
	if !validConnectionType(m.ConnectionType) {
		r.malformed("connection type out of range")
		return nil, r.err()
	}
	return m, nil
}

// UserInformation is the client's login message, the first thing sent on the
// dedicated port.
type UserInformation struct {
	Username       string
	ClientType     string
	ConnectionType uint8
}

func (m *UserInformation) TypeId() uint8       { return TypeUserInformation }
func (m *UserInformation) MessageName() string { return "UserInformation" }

func (m *UserInformation) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeString(m.ClientType)
	w.writeByte(m.ConnectionType)
}

func decodeUserInformation(r *bodyReader) (Message, error) {
	m := &UserInformation{
		Username:       r.readString(),
		ClientType:     r.readString(),
		ConnectionType: r.readByte(),
	}
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	if m.Username == "" {
		r.malformed("blank username")
		return nil, r.err()
	}
	if !validConnectionType(m.ConnectionType) {
		r.malformed("connection type out of range")
		return nil, r.err()
	}
	return m, nil
}

// ServerStatusUser is one row of the login-time user listing.
type ServerStatusUser struct {
	Username       string
	Ping           uint32
	Status         uint8
	UserId         uint16
	ConnectionType uint8
}

// ServerStatusGame is one row of the login-time game listing. Players is the
// "n/m" occupancy string clients render verbatim.
type ServerStatusGame struct {
	RomName  string
	GameId   uint32
	Emulator string
	Owner    string
	Players  string
	Status   uint8
}

// ServerStatus is the full server roster pushed once at login.
type ServerStatus struct {
	Users []ServerStatusUser
	Games []ServerStatusGame
}

func (m *ServerStatus) TypeId() uint8       { return TypeServerStatus }
func (m *ServerStatus) MessageName() string { return "ServerStatus" }

func (m *ServerStatus) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint32(uint32(len(m.Users)))
	w.writeUint32(uint32(len(m.Games)))
	for i := range m.Users {
		u := &m.Users[i]
		w.writeString(u.Username)
		w.writeUint32(u.Ping)
		w.writeByte(u.Status)
		w.writeUint16(u.UserId)
		w.writeByte(u.ConnectionType)
	}
	for i := range m.Games {
		g := &m.Games[i]
		w.writeString(g.RomName)
		w.writeUint32(g.GameId)
		w.writeString(g.Emulator)
		w.writeString(g.Owner)
		w.writeString(g.Players)
		w.writeByte(g.Status)
	}
}

func decodeServerStatus(r *bodyReader) (Message, error) {
	r.readEmptyString()
	numUsers := r.readUint32()
	numGames := r.readUint32()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}

	m := &ServerStatus{}
	for i := uint32(0); i < numUsers; i++ {
		u := ServerStatusUser{
			Username:       r.readString(),
			Ping:           r.readUint32(),
			Status:         r.readByte(),
			UserId:         r.readUint16(),
			ConnectionType: r.readByte(),
		}
		if readErr := r.err(); readErr != nil {
			return nil, readErr
		}
		m.Users = append(m.Users, u)
	}
	for i := uint32(0); i < numGames; i++ {
		g := ServerStatusGame{
			RomName:  r.readString(),
			GameId:   r.readUint32(),
			Emulator: r.readString(),
			Owner:    r.readString(),
			Players:  r.readString(),
			Status:   r.readByte(),
		}
		if readErr := r.err(); readErr != nil {
			return nil, readErr
		}
		m.Games = append(m.Games, g)
	}
	return m, nil
}

// ServerAck / ClientAck form the login ping measurement exchange. The four
// constant words are fixed by the protocol.
type ServerAck struct{}

func (m *ServerAck) TypeId() uint8       { return TypeServerAck }
func (m *ServerAck) MessageName() string { return "ServerACK" }

type ClientAck struct{}

func (m *ClientAck) TypeId() uint8       { return TypeClientAck }
func (m *ClientAck) MessageName() string { return "ClientACK" }

func encodeAckBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint32(0)
	w.writeUint32(1)
	w.writeUint32(2)
	w.writeUint32(3)
}

func decodeAckBody(r *bodyReader) error {
	r.readEmptyString()
	r.readUint32()
	r.readUint32()
	r.readUint32()
	r.readUint32()
	return r.err()
}

// Chat is server-lobby chat; GameChat is the in-room equivalent.
type Chat struct {
	Username string
	Message  string
}

func (m *Chat) TypeId() uint8       { return TypeChat }
func (m *Chat) MessageName() string { return "Chat_Notification" }

func (m *Chat) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeString(m.Message)
}

type ChatRequest struct {
	Message string
}

func (m *ChatRequest) TypeId() uint8       { return TypeChat }
func (m *ChatRequest) MessageName() string { return "Chat_Request" }

func (m *ChatRequest) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeString(m.Message)
}

func decodeChat(r *bodyReader) (Message, error) {
	username := r.readString()
	message := r.readString()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	if username == "" {
		return &ChatRequest{Message: message}, nil
	}
	return &Chat{Username: username, Message: message}, nil
}

type GameChat struct {
	Username string
	Message  string
}

func (m *GameChat) TypeId() uint8       { return TypeGameChat }
func (m *GameChat) MessageName() string { return "GameChat_Notification" }

func (m *GameChat) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeString(m.Message)
}

type GameChatRequest struct {
	Message string
}

func (m *GameChatRequest) TypeId() uint8       { return TypeGameChat }
func (m *GameChatRequest) MessageName() string { return "GameChat_Request" }

func (m *GameChatRequest) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeString(m.Message)
}

func decodeGameChat(r *bodyReader) (Message, error) {
	username := r.readString()
	message := r.readString()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	if username == "" {
		return &GameChatRequest{Message: message}, nil
	}
	return &GameChat{Username: username, Message: message}, nil
}

// KeepAlive keeps an otherwise idle session's timeout from firing.
type KeepAlive struct{}

func (m *KeepAlive) TypeId() uint8       { return TypeKeepAlive }
func (m *KeepAlive) MessageName() string { return "KeepAlive" }

// ConnectionRejected tells a client why login failed before dropping it.
type ConnectionRejected struct {
	Username string
	UserId   uint16
	Message  string
}

func (m *ConnectionRejected) TypeId() uint8       { return TypeConnectionRejected }
func (m *ConnectionRejected) MessageName() string { return "ConnectionRejected" }

func (m *ConnectionRejected) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeUint16(m.UserId)
	w.writeString(m.Message)
}

func decodeConnectionRejected(r *bodyReader) (Message, error) {
	m := &ConnectionRejected{
		Username: r.readString(),
		UserId:   r.readUint16(),
		Message:  r.readString(),
	}
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	return m, nil
}

// InformationMessage is a server-to-client notice (announcements, denials).
type InformationMessage struct {
	Source  string
	Message string
}

func (m *InformationMessage) TypeId() uint8       { return TypeInformationMessage }
func (m *InformationMessage) MessageName() string { return "InformationMessage" }

func (m *InformationMessage) encodeBody(w *bodyWriter) {
	w.writeString(m.Source)
	w.writeString(m.Message)
}

func decodeInformationMessage(r *bodyReader) (Message, error) {
	m := &InformationMessage{
		Source:  r.readString(),
		Message: r.readString(),
	}
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	return m, nil
}
