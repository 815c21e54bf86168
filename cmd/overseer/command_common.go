package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"overseer/internal/client"
	"overseer/internal/config"
	"overseer/internal/engine"
	"overseer/internal/logging"
	"overseer/internal/state"
	"overseer/internal/stream"
)

const version = "dev"

// runtime bundles the pieces every online command needs: the REST
// client, the shared event stream, the derived store, and the engine
// keeping them consistent.
type runtime struct {
	client  *client.Client
	streams *stream.Manager
	store   *state.Store
	engine  *engine.Engine
}

func newRuntime(cfg config.Config, logger logging.Logger, persist engine.Persister, notifier engine.Notifier) (*runtime, error) {
	restClient, err := client.New(client.Config{
		BaseURL:  cfg.ServerBaseURL(),
		Username: cfg.ServerUsername(),
		Token:    cfg.ServerToken(),
		Timeout:  cfg.RequestTimeout(),
	})
	if err != nil {
		return nil, err
	}
	streams, err := stream.NewManager(stream.Config{
		BaseURL:        cfg.ServerBaseURL(),
		Username:       cfg.ServerUsername(),
		Token:          cfg.ServerToken(),
		Logger:         logger.With(logging.F("component", "stream")),
		Reporter:       restClient,
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
	})
	if err != nil {
		return nil, err
	}
	store := state.NewStore()
	eng, err := engine.New(engine.Options{
		Streams:  streams,
		Store:    store,
		Backend:  restClient,
		Persist:  persist,
		Notifier: notifier,
		Logger:   logger.With(logging.F("component", "engine")),
	})
	if err != nil {
		return nil, err
	}
	return &runtime{
		client:  restClient,
		streams: streams,
		store:   store,
		engine:  eng,
	}, nil
}

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func exitOnErr(label string, err error, stderr io.Writer) {
	if err == nil {
		return
	}
	fmt.Fprintf(stderr, "%s error: %v\n", label, err)
	os.Exit(1)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		var revision string
		var modified string
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				revision = setting.Value
			case "vcs.modified":
				modified = setting.Value
			}
		}
		if revision != "" {
			if modified == "true" {
				return revision + "-dirty"
			}
			return revision
		}
	}

	exe, err := os.Executable()
	if err == nil {
		file, err := os.Open(exe)
		if err == nil {
			defer file.Close()
			hasher := sha256.New()
			if _, err := io.Copy(hasher, file); err == nil {
				sum := hasher.Sum(nil)
				return fmt.Sprintf("bin-%x", sum[:6])
			}
		}
	}

	return version
}
