package registry

import (
	"log/slog"
	"testing"

	"emberchat/domain/event"
	"emberchat/errors"

	"github.com/stretchr/testify/require"
)

// fakeChannel collects delivered events; writable can be flipped to
// simulate a saturated transport.
type fakeChannel struct {
	events   []event.Event
	writable bool
}

func (c *fakeChannel) Send(e event.Event) error {
	if !c.writable {
		return errors.ErrUnwritable
	}
	c.events = append(c.events, e)
	return nil
}

func Test_Broadcast_Reaches_All_Channels(t *testing.T) {
	req := require.New(t)
	r := New(slog.Default())
	a := &fakeChannel{writable: true}
	b := &fakeChannel{writable: true}
	r.Register(a, "1.2.3.4")
	r.Register(b, "5.6.7.8")

	delivered := r.Broadcast(event.SystemMessage("hello"))
	req.Equal(2, delivered)
	req.Len(a.events, 1)
	req.Len(b.events, 1)
}

func Test_Unwritable_Channel_Is_Skipped_Not_Fatal(t *testing.T) {
	req := require.New(t)
	r := New(slog.Default())
	stuck := &fakeChannel{writable: false}
	healthy := &fakeChannel{writable: true}
	r.Register(stuck, "1.2.3.4")
	r.Register(healthy, "5.6.7.8")

	delivered := r.Broadcast(event.SystemMessage("hello"))
	req.Equal(1, delivered)
	req.Empty(stuck.events)
	req.Len(healthy.events, 1)
}

func Test_Exclude_Identity(t *testing.T) {
	req := require.New(t)
	r := New(slog.Default())
	sender := &fakeChannel{writable: true}
	other := &fakeChannel{writable: true}
	r.Register(sender, "1.2.3.4")
	r.Register(other, "5.6.7.8")

	delivered := r.Broadcast(event.SystemMessage("hello"), "1.2.3.4")
	req.Equal(1, delivered)
	req.Empty(sender.events)
	req.Len(other.events, 1)
}

func Test_Unregister_Removes_Channel(t *testing.T) {
	req := require.New(t)
	r := New(slog.Default())
	ch := &fakeChannel{writable: true}
	r.Register(ch, "1.2.3.4")
	req.Equal(1, r.Size())

	r.Unregister(ch)
	req.Zero(r.Size())
	req.Zero(r.Broadcast(event.SystemMessage("hello")))

	// Unregistering twice is harmless.
	r.Unregister(ch)
}
