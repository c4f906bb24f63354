package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/tweezerlab/awg/card"
	"github.com/tweezerlab/awg/comm"
	"github.com/tweezerlab/awg/controller"
	"github.com/tweezerlab/awg/generichttp"
	"github.com/tweezerlab/awg/generichttp/awg"
	"github.com/tweezerlab/awg/netcmd"
	"github.com/tweezerlab/awg/params"
	"github.com/tweezerlab/awg/server/middleware/locker"
)

// ErrNoDriver is generated when Mock is off; the vendor driver is not part
// of this build
var ErrNoDriver = errors.New("no hardware card driver available, set Mock: true")

// LinkConfig describes the connection to the experiment controller
type LinkConfig struct {
	// Addr is host:port for TCP, or the port name for RS232.  Empty disables the link.
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Serial selects RS232
	Serial bool `koanf:"Serial" yaml:"Serial"`

	// Baud is the RS232 baud rate
	Baud int `koanf:"Baud" yaml:"Baud"`

	// Terminator ends every message; only its first byte is used
	Terminator string `koanf:"Terminator" yaml:"Terminator"`
}

// Config is the server configuration, read from awgsrv.yml
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Name overrides the generator name of the parameter file.  Routes are
	// served under /<Name>/.
	Name string `koanf:"Name" yaml:"Name"`

	// ParamsFile is loaded at startup
	ParamsFile string `koanf:"ParamsFile" yaml:"ParamsFile"`

	Link LinkConfig `koanf:"Link" yaml:"Link"`

	// WatchCalibration reloads calibration files when they change
	WatchCalibration bool `koanf:"WatchCalibration" yaml:"WatchCalibration"`

	// Mock uses an in-memory card instead of hardware
	Mock bool `koanf:"Mock" yaml:"Mock"`
}

// DefaultConfig listens on :8000 with a mock card and no link
func DefaultConfig() Config {
	return Config{
		Addr: ":8000",
		Link: LinkConfig{Baud: 9600, Terminator: "\n"},
		Mock: true,
	}
}

// BuildController loads the parameter file, connects the card and sends
// the initial sequence
func BuildController(c Config) (*controller.Controller, controller.Report, error) {
	f := params.Default()
	if c.ParamsFile != "" {
		var err error
		f, err = params.Load(c.ParamsFile)
		if err != nil {
			return nil, controller.Report{}, err
		}
	}
	if c.Name != "" {
		f.Name = c.Name
	}
	if !c.Mock {
		return nil, controller.Report{}, ErrNoDriver
	}
	cs, err := f.Card.Normalize()
	if err != nil {
		log.Println(err)
	}
	ctl, err := controller.New(card.NewMock(cs), f)
	if err != nil {
		return nil, controller.Report{}, err
	}
	rep, err := ctl.CalculateSend()
	return ctl, rep, err
}

// BuildMux serves the controller under /<name>/ with request logging and a lock
func BuildMux(ctl *controller.Controller) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	h := awg.NewHTTPController(ctl)
	lock := locker.New()
	locker.Inject(h, lock)
	r := chi.NewRouter()
	r.Use(lock.Check)
	h.RT().Bind(r)
	root.Mount(generichttp.SubMuxSanitize(ctl.Name()), r)
	return root
}

// NewLink returns the command link described by c, or nil if there is none
func NewLink(c LinkConfig, ctl *controller.Controller) *netcmd.Link {
	if c.Addr == "" {
		return nil
	}
	cfg := comm.Config{Baud: c.Baud, RetryFor: -1, DialTimeout: 3 * time.Second}
	if c.Terminator != "" {
		cfg.Terminator = c.Terminator[0]
	}
	return netcmd.NewLink(comm.NewRemoteDevice(c.Addr, c.Serial, cfg), ctl)
}

// StartBackground starts the command link and the calibration watcher, as
// configured, until ctx is done
func StartBackground(ctx context.Context, c Config, ctl *controller.Controller) {
	if l := NewLink(c.Link, ctl); l != nil {
		log.Println("taking commands from", c.Link.Addr)
		go func() {
			if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Println(err)
			}
		}()
	}
	if c.WatchCalibration {
		go func() {
			if err := ctl.WatchCalibrations(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Println("calibration watcher stopped:", err)
			}
		}()
	}
}
