package kwire

import (
	"golang.org/x/text/encoding"

	kerrors "github.com/openretro/kaillerad/pkg/errors"
)

// Codec encodes and decodes v.086 message bodies. One codec is shared by the
// whole process so every string field uses the same charset.
type Codec struct {
	charset encoding.Encoding
}

type CodecParams struct {
	// CharsetName is an IANA charset name; blank selects ISO-8859-1.
	CharsetName string
}

func NewCodec(params CodecParams) (*Codec, error) {
	charset, err := resolveCharset(params.CharsetName)
	if err != nil {
		return nil, err
	}

	return &Codec{charset: charset}, nil
}

type bodyEncoder interface {
	encodeBody(w *bodyWriter)
}

// EncodeBody serializes a message body, excluding the bundle frame header.
func (c *Codec) EncodeBody(m Message) ([]byte, error) {
	w := newBodyWriter(m.MessageName(), c.charset)

	switch msg := m.(type) {
	case *ServerAck, *ClientAck:
		encodeAckBody(w)
	case *KeepAlive, *AllReady:
		w.writeString("")
	case bodyEncoder:
		msg.encodeBody(w)
	default:
		return nil, &kerrors.UnknownMessageType{TypeId: m.TypeId()}
	}

	if encodeErr := w.err(); encodeErr != nil {
		return nil, encodeErr
	}
	return w.buf, nil
}

// DecodeBody parses one message body for the given type discriminant. The
// dual-variant families resolve to their request or notification flavor from
// the sentinel values in the decoded fields.
func (c *Codec) DecodeBody(typeId uint8, body []byte) (Message, error) {
	switch typeId {
	case TypeQuit:
		return decodeQuit(newBodyReader("Quit", body, c.charset))
	case TypeUserJoined:
		return decodeUserJoined(newBodyReader("UserJoined", body, c.charset))
	case TypeUserInformation:
		return decodeUserInformation(newBodyReader("UserInformation", body, c.charset))
	case TypeServerStatus:
		return decodeServerStatus(newBodyReader("ServerStatus", body, c.charset))
	case TypeServerAck:
		if ackErr := decodeAckBody(newBodyReader("ServerACK", body, c.charset)); ackErr != nil {
			return nil, ackErr
		}
		return &ServerAck{}, nil
	case TypeClientAck:
		if ackErr := decodeAckBody(newBodyReader("ClientACK", body, c.charset)); ackErr != nil {
			return nil, ackErr
		}
		return &ClientAck{}, nil
	case TypeChat:
		return decodeChat(newBodyReader("Chat", body, c.charset))
	case TypeGameChat:
		return decodeGameChat(newBodyReader("GameChat", body, c.charset))
	case TypeKeepAlive:
		// Seen in the wild with a couple of body layouts; the contents carry
		// no information either way.
		return &KeepAlive{}, nil
	case TypeCreateGame:
		return decodeCreateGame(newBodyReader("CreateGame", body, c.charset))
	case TypeQuitGame:
		return decodeQuitGame(newBodyReader("QuitGame", body, c.charset))
	case TypeJoinGame:
		return decodeJoinGame(newBodyReader("JoinGame", body, c.charset))
	case TypePlayerInformation:
		return decodePlayerInformation(newBodyReader("PlayerInformation", body, c.charset))
	case TypeGameStatus:
		return decodeGameStatus(newBodyReader("GameStatus", body, c.charset))
	case TypeGameKick:
		return decodeGameKick(newBodyReader("GameKick", body, c.charset))
	case TypeCloseGame:
		return decodeCloseGame(newBodyReader("CloseGame", body, c.charset))
	case TypeStartGame:
		return decodeStartGame(newBodyReader("StartGame", body, c.charset))
	case TypeGameData:
		return decodeGameData(newBodyReader("GameData", body, c.charset))
	case TypeCachedGameData:
		return decodeCachedGameData(newBodyReader("CachedGameData", body, c.charset))
	case TypePlayerDrop:
		return decodePlayerDrop(newBodyReader("PlayerDrop", body, c.charset))
	case TypeAllReady:
		r := newBodyReader("AllReady", body, c.charset)
		r.readEmptyString()
		if readErr := r.err(); readErr != nil {
			return nil, readErr
		}
		return &AllReady{}, nil
	case TypeConnectionRejected:
		return decodeConnectionRejected(newBodyReader("ConnectionRejected", body, c.charset))
	case TypeInformationMessage:
		return decodeInformationMessage(newBodyReader("InformationMessage", body, c.charset))
	}

	return nil, &kerrors.UnknownMessageType{TypeId: typeId}
}
