// Package readers enumerates PC/SC smart-card readers. It is a diagnostic
// surface next to the vendor driver: when a read fails, seeing the reader
// at the PC/SC level tells IT whether the cable or the driver is at fault.
package readers

import (
	"encoding/hex"
	"fmt"

	"github.com/ebfe/scard"

	"github.com/cliniops/nhi-agent/internal/logging"
)

// Context is the slice of the PC/SC context this package needs.
// Production uses the real scard context; tests inject fakes.
type Context interface {
	ListReaders() ([]string, error)
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error)
	Release() error
}

// Card is a connected card, used only to fetch the ATR.
type Card interface {
	Status() (*scard.CardStatus, error)
	Disconnect(d scard.Disposition) error
}

// ContextFactory establishes PC/SC contexts; swapped in tests.
type ContextFactory interface {
	Establish() (Context, error)
}

type scardFactory struct{}

func (scardFactory) Establish() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &scardContext{ctx}, nil
}

type scardContext struct{ ctx *scard.Context }

func (c *scardContext) ListReaders() ([]string, error) { return c.ctx.ListReaders() }
func (c *scardContext) Release() error                 { return c.ctx.Release() }

func (c *scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error) {
	return c.ctx.Connect(reader, mode, proto)
}

// DefaultFactory is the production PC/SC factory.
var DefaultFactory ContextFactory = scardFactory{}

// Reader is one enumerated PC/SC reader.
type Reader struct {
	Name        string `json:"name"`
	CardPresent bool   `json:"cardPresent"`
	ATR         string `json:"atr,omitempty"`
}

// List enumerates readers and probes each for an inserted card. A host
// without a PC/SC service returns an error, which the caller reports as
// "no PC/SC readers", not as a failed card read.
func List(factory ContextFactory) ([]Reader, error) {
	ctx, err := factory.Establish()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	defer ctx.Release()

	names, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}

	out := make([]Reader, 0, len(names))
	for _, name := range names {
		r := Reader{Name: name}

		// Connecting shared fails cleanly when the slot is empty; that is
		// the presence probe, not an error worth surfacing.
		card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
		if err == nil {
			r.CardPresent = true
			if st, serr := card.Status(); serr == nil {
				r.ATR = hex.EncodeToString(st.Atr)
			}
			card.Disconnect(scard.LeaveCard)
		}
		out = append(out, r)
	}

	logging.Debug(logging.CatCard, "PC/SC readers enumerated", map[string]any{
		"count": len(out),
	})
	return out, nil
}
