package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "awgsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `awgsrv drives a multi-tone arbitrary waveform generator for optical tweezers.
It listens to the experiment controller for rearrangement and parameter commands
and exposes the full generator state over HTTP.

Usage:
	awgsrv <command>

Commands:
	run
	check
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `awgsrv is amenable to configuration via its .yaml file, awgsrv.yml in the
working directory.  Run "awgsrv mkconf" to write one with the defaults.

Addr is the HTTP listen address.  Routes are served under /<Name>/, e.g.
/AWG1/status, /AWG1/rearrange.  GET /<Name>/endpoints lists them.

ParamsFile is the parameter file loaded and sent to the card at startup.
If empty the generator starts with a single default segment.

Link is the experiment controller to take commands from.  Leave Addr empty
to run without one.  Serial selects RS232, Addr is then the port, e.g.
/dev/ttyS0 or COM3.  Commands are:
	rearrange=0110...
	set_data=[channel, segment, 'param', value, tone]
	load=<file>
	save=<file>
	trigger=

WatchCalibration reloads calibration files when they change on disk.

"awgsrv check" loads ParamsFile, calculates every segment and builds the
rearrangement table without touching hardware, then reports the result.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("awgsrv version %v\n", Version)
}

func check() {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	c.Mock = true
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "calculating " + c.ParamsFile,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	ctl, rep, err := BuildController(c)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage(fmt.Sprintf("%d segments, %d steps in %v", rep.Uploaded, rep.Steps, rep.Elapsed))
	spinner.Stop()
	st := ctl.Status()
	fmt.Printf("card segments used: %d of %d\n", st.Slots, st.Card.NumberOfSegments)
	if rep.Saturated > 0 {
		fmt.Printf("%d samples clipped at the card output range\n", rep.Saturated)
	}
	if r := st.Rearrangement; r != nil {
		fmt.Printf("rearrangement table %s: %d patterns, %d movements, %d reserved segments, %.1f MB, built in %v\n",
			r.Epoch, r.Patterns, r.Movements, r.Reserved, float64(r.CacheBytes)/(1<<20), r.BuildTime)
	}
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	ctl, _, err := BuildController(c)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartBackground(ctx, c, ctl)

	mux := BuildMux(ctl)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGABRT, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-ch
		cancel()
		os.Exit(0)
	}()
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "check":
		check()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
