package relay

import (
	"go.uber.org/zap"

	"github.com/openretro/kaillerad/pkg/kwire"
)

// HandlerFunc processes one inbound message in the context of the session
// that carried it.
type HandlerFunc func(session *ClientSession, msg kwire.Message)

// Dispatcher routes decoded messages by wire type id through a fixed table.
// Registration happens once at server construction; dispatch is lock-free.
type Dispatcher struct {
	log      *zap.Logger
	handlers [int(kwire.MaxTypeId) + 1]HandlerFunc
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		log: logger.With(zap.String("component", "dispatcher")),
	}
}

func (d *Dispatcher) Register(typeId uint8, fn HandlerFunc) {
	d.handlers[typeId] = fn
}

// Dispatch invokes the registered handler. A message that decoded cleanly
// but has no handler is a server wiring bug, not a client problem, so it is
// logged loudly and dropped.
func (d *Dispatcher) Dispatch(session *ClientSession, msg kwire.Message) {
	typeId := msg.TypeId()
	if int(typeId) >= len(d.handlers) || d.handlers[typeId] == nil {
		d.log.Error("No handler registered for inbound message type",
			zap.Uint8("typeId", typeId),
			zap.String("messageName", msg.MessageName()))
		return
	}
	d.handlers[typeId](session, msg)
}
