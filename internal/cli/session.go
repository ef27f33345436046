package cli

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/rescale/chunkup/internal/cloud/providers"
	"github.com/rescale/chunkup/internal/cloud/state"
	"github.com/rescale/chunkup/internal/config"
	"github.com/rescale/chunkup/internal/constants"
	"github.com/rescale/chunkup/internal/events"
	inthttp "github.com/rescale/chunkup/internal/http"
	"github.com/rescale/chunkup/internal/transfer"
	"github.com/rescale/chunkup/internal/upload"
)

// session is the engine wired to the configured backend and state store.
type session struct {
	cfg    *config.Config
	store  state.Store
	bus    *events.EventBus
	engine *upload.Engine
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w (run 'chunkup config init')", err)
	}
	if inthttp.NeedsProxyPassword(cfg) {
		password, err := readPassword(fmt.Sprintf("Proxy password for %s: ", cfg.ProxyUser))
		if err != nil {
			return nil, err
		}
		cfg.ProxyPassword = password
	}
	return newSession(ctx, cfg)
}

func newSession(ctx context.Context, cfg *config.Config) (*session, error) {
	log := GetLogger()
	svc, err := providers.NewStorageService(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload state: %w", err)
	}

	bus := events.NewEventBus(constants.EventBusDefaultBuffer)
	engine := upload.NewEngine(svc,
		upload.WithStore(store),
		upload.WithManager(transfer.NewManager(cfg.MaxConcurrentTasks)),
		upload.WithEventBus(bus),
		upload.WithLogger(log),
		upload.WithConfig(upload.ConfigFrom(cfg)),
	)
	return &session{cfg: cfg, store: store, bus: bus, engine: engine}, nil
}

func (s *session) Close() error {
	s.bus.Close()
	return s.store.Close()
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("a password is required but stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}
