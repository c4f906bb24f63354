package netcmd

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/tweezerlab/awg/comm"
	"github.com/tweezerlab/awg/controller"
)

// Handler is what a Link drives.  *controller.Controller satisfies it.
type Handler interface {
	Resolve(occ string) error
	UpdateParams(updates []controller.Update, send bool) error
	Load(path string) (controller.Report, error)
	Save(path string) error
	Trigger() error
}

// reconnectPause separates sessions when the remote hangs up immediately
const reconnectPause = 250 * time.Millisecond

// Link is a client of the experiment controller.  It keeps a connection
// open, reconnecting as needed, and executes every message received.
type Link struct {
	rd *comm.RemoteDevice
	h  Handler

	errs       *rate.Limiter
	suppressed int
}

// NewLink returns a link that reads commands from rd and runs them on h
func NewLink(rd *comm.RemoteDevice, h Handler) *Link {
	return &Link{rd: rd, h: h, errs: rate.NewLimiter(rate.Every(time.Second), 5)}
}

// Run connects and serves commands until ctx is done, which is the only
// error it returns
func (l *Link) Run(ctx context.Context) error {
	for {
		if err := l.rd.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logError(err)
			continue
		}
		log.Printf("connected to %s", l.rd.Addr)
		stop := context.AfterFunc(ctx, func() { l.rd.Close() })
		err := l.serve()
		stop()
		l.rd.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("connection to %s lost (%v), reconnecting", l.rd.Addr, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectPause):
		}
	}
}

func (l *Link) serve() error {
	for {
		msg, err := l.rd.Recv()
		if err != nil {
			return err
		}
		if err := l.Handle(string(msg)); err != nil {
			l.logError(err)
		}
	}
}

// Handle parses and executes one message
func (l *Link) Handle(msg string) error {
	cmd, err := Parse(msg)
	if err != nil {
		return err
	}
	switch cmd.Kind {
	case Rearrange:
		return l.h.Resolve(cmd.Arg)
	case SetData:
		log.Printf("applying %d parameter updates", len(cmd.Updates))
		return l.h.UpdateParams(cmd.Updates, true)
	case Load:
		_, err := l.h.Load(cmd.Arg)
		return err
	case Save:
		return l.h.Save(cmd.Arg)
	case Trigger:
		return l.h.Trigger()
	}
	return nil
}

// logError logs at most a few errors per second so a misbehaving peer
// cannot flood the log
func (l *Link) logError(err error) {
	if !l.errs.Allow() {
		l.suppressed++
		return
	}
	if l.suppressed > 0 {
		log.Printf("%v (%d similar errors suppressed)", err, l.suppressed)
		l.suppressed = 0
		return
	}
	log.Println(err)
}
