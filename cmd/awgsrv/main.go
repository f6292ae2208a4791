package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "awgsrv.yml"

	// EnvPrefix marks environment variables that override the config file.
	// AWGSRV_LIMITS__VPPMAX sets limits.vppmax.
	EnvPrefix = "AWGSRV_"

	k = koanf.New(".")
)

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// setupconfig layers defaults, the config file, a .env file and the
// environment, in increasing priority
func setupconfig(k *koanf.Koanf, path string) error {
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading .env: %w", err)
	}
	return k.Load(env.Provider(EnvPrefix, ".", envKey), nil)
}

func root() {
	str := `awgsrv renders pulse sequences and uploads them to arbitrary waveform
generators, exposing the segment store and the AWGs over HTTP.

Usage:
	awgsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version
	upload <sequence file>`
	fmt.Println(str)
}

func help() {
	str := `awgsrv is amenable to configuration via its .yml file, a .env file, and
environment variables prefixed with AWGSRV_.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration, the server runs one mock AWG with channels P1 and P2.

AWG types, case insensitive:
- Mock
	> in-memory generator "mock"
- Keysight
	> 33500, 33600 series "keysight", "33500", "33600"

Addresses may be host:port, a serial port (/dev/ttyS0, COM3), or usb:VID:PID.

Segments are posted to <root>/segments as JSON or YAML, or listed under
"segments" in the config file to be loaded at startup.  A sequence file holds
"elements", a map of channel to a list of {segment, reps, unique, identifiers}.`
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

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux, err := BuildMux(c, prometheus.NewRegistry())
	if err != nil {
		log.Fatal(err)
	}
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func upload(path string) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	seq, err := LoadSequence(path)
	if err != nil {
		log.Fatal(err)
	}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " uploading " + path,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	if err := postSequence(uploadURL(c), seq); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.Stop()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	if err := setupconfig(k, ConfigFileName); err != nil {
		log.Fatal(err)
	}
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
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	case "upload":
		if len(args) < 3 {
			log.Fatal("upload needs a sequence file")
		}
		upload(args[2])
		return
	default:
		log.Fatal("unknown command")
	}
}
