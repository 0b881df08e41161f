package kwire

// CreateGame announces a new game room; the request flavor carries only the
// ROM name the creating client wants to host.
type CreateGame struct {
	Username string
	RomName  string
	Emulator string
	GameId   uint16
	Val1     uint16
}

func (m *CreateGame) TypeId() uint8       { return TypeCreateGame }
func (m *CreateGame) MessageName() string { return "CreateGame_Notification" }

func (m *CreateGame) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeString(m.RomName)
	w.writeString(m.Emulator)
	w.writeUint16(m.GameId)
	w.writeUint16(m.Val1)
}

type CreateGameRequest struct {
	RomName string
}

func (m *CreateGameRequest) TypeId() uint8       { return TypeCreateGame }
func (m *CreateGameRequest) MessageName() string { return "CreateGame_Request" }

func (m *CreateGameRequest) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeString(m.RomName)
	w.writeString("")
	w.writeUint16(sentinelGameId)
	w.writeUint16(sentinelVal1)
}

func decodeCreateGame(r *bodyReader) (Message, error) {
	username := r.readString()
	romName := r.readString()
	emulator := r.readString()
	gameId := r.readUint16()
	val1 := r.readUint16()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}

	if username == "" && gameId == sentinelGameId {
		if romName == "" {
			r.malformed("blank rom name")
			return nil, r.err()
		}
		return &CreateGameRequest{RomName: romName}, nil
	}
	return &CreateGame{
		Username: username,
		RomName:  romName,
		Emulator: emulator,
		GameId:   gameId,
		Val1:     val1,
	}, nil
}

// QuitGame announces a player leaving a room.
type QuitGame struct {
	Username string
	UserId   uint16
}

func (m *QuitGame) TypeId() uint8       { return TypeQuitGame }
func (m *QuitGame) MessageName() string { return "QuitGame_Notification" }

func (m *QuitGame) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeUint16(m.UserId)
}

type QuitGameRequest struct{}

func (m *QuitGameRequest) TypeId() uint8       { return TypeQuitGame }
func (m *QuitGameRequest) MessageName() string { return "QuitGame_Request" }

func (m *QuitGameRequest) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint16(sentinelUserId)
}

func decodeQuitGame(r *bodyReader) (Message, error) {
	username := r.readString()
	userId := r.readUint16()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}

	if username == "" && userId == sentinelUserId {
		return &QuitGameRequest{}, nil
	}
	return &QuitGame{Username: username, UserId: userId}, nil
}

// JoinGame is both the client's join request (blank name, 0xFFFF id) and the
// server's join notification.
type JoinGame struct {
	GameId         uint32
	Username       string
	Ping           uint32
	UserId         uint16
	ConnectionType uint8
}

func (m *JoinGame) TypeId() uint8       { return TypeJoinGame }
func (m *JoinGame) MessageName() string { return "JoinGame_Notification" }

func (m *JoinGame) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint32(m.GameId)
	w.writeString(m.Username)
	w.writeUint32(m.Ping)
	w.writeUint16(m.UserId)
	w.writeByte(m.ConnectionType)
}

type JoinGameRequest struct {
	GameId         uint32
	ConnectionType uint8
}

func (m *JoinGameRequest) TypeId() uint8       { return TypeJoinGame }
func (m *JoinGameRequest) MessageName() string { return "JoinGame_Request" }

func (m *JoinGameRequest) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint32(m.GameId)
	w.writeString("")
	w.writeUint32(0)
	w.writeUint16(sentinelUserId)
	w.writeByte(m.ConnectionType)
}

func decodeJoinGame(r *bodyReader) (Message, error) {
	r.readEmptyString()
	gameId := r.readUint32()
	username := r.readString()
	ping := r.readUint32()
	userId := r.readUint16()
	connectionType := r.readByte()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	if !validConnectionType(connectionType) {
		r.malformed("connection type out of range")
		return nil, r.err()
	}

	if username == "" && userId == sentinelUserId {
		return &JoinGameRequest{GameId: gameId, ConnectionType: connectionType}, nil
	}
	return &JoinGame{
		GameId:         gameId,
		Username:       username,
		Ping:           ping,
		UserId:         userId,
		ConnectionType: connectionType,
	}, nil
}

// PlayerInfo is one row of the room roster sent to a joining player.
type PlayerInfo struct {
	Username       string
	Ping           uint32
	UserId         uint16
	ConnectionType uint8
}

type PlayerInformation struct {
	Players []PlayerInfo
}

func (m *PlayerInformation) TypeId() uint8       { return TypePlayerInformation }
func (m *PlayerInformation) MessageName() string { return "PlayerInformation" }

func (m *PlayerInformation) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint32(uint32(len(m.Players)))
	for i := range m.Players {
		p := &m.Players[i]
		w.writeString(p.Username)
		w.writeUint32(p.Ping)
		w.writeUint16(p.UserId)
		w.writeByte(p.ConnectionType)
	}
}

func decodePlayerInformation(r *bodyReader) (Message, error) {
	r.readEmptyString()
	numPlayers := r.readUint32()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}

	m := &PlayerInformation{}
	for i := uint32(0); i < numPlayers; i++ {
		p := PlayerInfo{
			Username:       r.readString(),
			Ping:           r.readUint32(),
			UserId:         r.readUint16(),
			ConnectionType: r.readByte(),
		}
		if readErr := r.err(); readErr != nil {
			return nil, readErr
		}
		m.Players = append(m.Players, p)
	}
	return m, nil
}

// GameStatus is the room occupancy/state broadcast.
type GameStatus struct {
	GameId     uint32
	Val1       uint16
	Status     uint8
	NumPlayers uint8
	MaxPlayers uint8
}

func (m *GameStatus) TypeId() uint8       { return TypeGameStatus }
func (m *GameStatus) MessageName() string { return "GameStatus" }

func (m *GameStatus) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint32(m.GameId)
	w.writeUint16(m.Val1)
	w.writeByte(m.Status)
	w.writeByte(m.NumPlayers)
	w.writeByte(m.MaxPlayers)
}

func decodeGameStatus(r *bodyReader) (Message, error) {
	r.readEmptyString()
	m := &GameStatus{
		GameId:     r.readUint32(),
		Val1:       r.readUint16(),
		Status:     r.readByte(),
		NumPlayers: r.readByte(),
		MaxPlayers: r.readByte(),
	}
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	return m, nil
}

// GameKick ejects a player from a room by user id.
type GameKick struct {
	UserId uint16
}

func (m *GameKick) TypeId() uint8       { return TypeGameKick }
func (m *GameKick) MessageName() string { return "GameKick" }

func (m *GameKick) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint16(m.UserId)
}

func decodeGameKick(r *bodyReader) (Message, error) {
	r.readEmptyString()
	m := &GameKick{UserId: r.readUint16()}
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	return m, nil
}

// CloseGame removes a room from the server list.
type CloseGame struct {
	GameId uint32
	Val1   uint16
}

func (m *CloseGame) TypeId() uint8       { return TypeCloseGame }
func (m *CloseGame) MessageName() string { return "CloseGame" }

func (m *CloseGame) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint32(m.GameId)
	w.writeUint16(m.Val1)
}

func decodeCloseGame(r *bodyReader) (Message, error) {
	r.readEmptyString()
	m := &CloseGame{
		GameId: r.readUint32(),
		Val1:   r.readUint16(),
	}
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	return m, nil
}

// StartGame carries the computed frame delay and slot assignment to each
// player; the request flavor is all sentinels.
type StartGame struct {
	Val1         uint16
	PlayerNumber uint8
	NumPlayers   uint8
}

func (m *StartGame) TypeId() uint8       { return TypeStartGame }
func (m *StartGame) MessageName() string { return "StartGame_Notification" }

func (m *StartGame) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint16(m.Val1)
	w.writeByte(m.PlayerNumber)
	w.writeByte(m.NumPlayers)
}

type StartGameRequest struct{}

func (m *StartGameRequest) TypeId() uint8       { return TypeStartGame }
func (m *StartGameRequest) MessageName() string { return "StartGame_Request" }

func (m *StartGameRequest) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint16(sentinelVal1)
	w.writeByte(sentinelSlot)
	w.writeByte(sentinelSlot)
}

func decodeStartGame(r *bodyReader) (Message, error) {
	r.readEmptyString()
	val1 := r.readUint16()
	playerNumber := r.readByte()
	numPlayers := r.readByte()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}

	if val1 == sentinelVal1 && playerNumber == sentinelSlot && numPlayers == sentinelSlot {
		return &StartGameRequest{}, nil
	}
	return &StartGame{
		Val1:         val1,
		PlayerNumber: playerNumber,
		NumPlayers:   numPlayers,
	}, nil
}

// GameData is one block of raw per-frame input, opaque to the server.
type GameData struct {
	Data []byte
}

func (m *GameData) TypeId() uint8       { return TypeGameData }
func (m *GameData) MessageName() string { return "GameData" }

func (m *GameData) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeUint16(uint16(len(m.Data)))
	w.writeBytes(m.Data)
}

func decodeGameData(r *bodyReader) (Message, error) {
	r.readEmptyString()
	dataLen := r.readUint16()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	if dataLen == 0 {
		r.malformed("zero-length game data")
		return nil, r.err()
	}
	data := r.readBytes(int(dataLen))
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	return &GameData{Data: data}, nil
}

// CachedGameData substitutes a repeated input block with its cache slot.
type CachedGameData struct {
	Key uint8
}

func (m *CachedGameData) TypeId() uint8       { return TypeCachedGameData }
func (m *CachedGameData) MessageName() string { return "CachedGameData" }

func (m *CachedGameData) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeByte(m.Key)
}

func decodeCachedGameData(r *bodyReader) (Message, error) {
	r.readEmptyString()
	m := &CachedGameData{Key: r.readByte()}
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}
	return m, nil
}

// PlayerDrop removes a player from the in-progress frame ordering without
// closing the room.
type PlayerDrop struct {
	Username     string
	PlayerNumber uint8
}

func (m *PlayerDrop) TypeId() uint8       { return TypePlayerDrop }
func (m *PlayerDrop) MessageName() string { return "PlayerDrop_Notification" }

func (m *PlayerDrop) encodeBody(w *bodyWriter) {
	w.writeString(m.Username)
	w.writeByte(m.PlayerNumber)
}

type PlayerDropRequest struct{}

func (m *PlayerDropRequest) TypeId() uint8       { return TypePlayerDrop }
func (m *PlayerDropRequest) MessageName() string { return "PlayerDrop_Request" }

func (m *PlayerDropRequest) encodeBody(w *bodyWriter) {
	w.writeString("")
	w.writeByte(0)
}

func decodePlayerDrop(r *bodyReader) (Message, error) {
	username := r.readString()
	playerNumber := r.readByte()
	if readErr := r.err(); readErr != nil {
		return nil, readErr
	}

	if username == "" {
		return &PlayerDropRequest{}, nil
	}
	return &PlayerDrop{Username: username, PlayerNumber: playerNumber}, nil
}

// AllReady signals a player finished loading and is ready for frame data.
type AllReady struct{}

func (m *AllReady) TypeId() uint8       { return TypeAllReady }
func (m *AllReady) MessageName() string { return "AllReady" }
