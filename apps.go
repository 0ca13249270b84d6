package main

import (
	"net/url"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Client event policies.
const (
	clientEventsNone    = "none"
	clientEventsMembers = "members"
	clientEventsAll     = "all"
)

const (
	defaultActivityTimeout    = 30
	defaultPongTimeout        = 30
	defaultMaxMessageSize     = 10000
	defaultMaxPresenceMembers = 100
)

// application is a tenant: its channels and connections never mix with
// another application's.
type application struct {
	ID                 string
	Key                string
	Secret             string
	ActivityTimeout    time.Duration
	PongTimeout        time.Duration
	MaxMessageSize     int64
	MaxConnections     int
	MaxPresenceMembers int
	ClientEvents       string
	Strict             bool

	anyOrigin bool
	origins   []glob.Glob
}

func newApplication(cfg appConfig) (*application, error) {
	errb := oops.Code(codeConfigInvalid).With("app_id", cfg.ID)
	if cfg.ID == "" || cfg.Key == "" || cfg.Secret == "" {
		return nil, errb.Errorf("app requires id, key and secret")
	}

	app := &application{
		ID:                 cfg.ID,
		Key:                cfg.Key,
		Secret:             cfg.Secret,
		ActivityTimeout:    seconds(cfg.ActivityTimeout, defaultActivityTimeout),
		PongTimeout:        seconds(cfg.PongTimeout, defaultPongTimeout),
		MaxMessageSize:     cfg.MaxMessageSize,
		MaxConnections:     cfg.MaxConnections,
		MaxPresenceMembers: cfg.MaxPresenceMembers,
		ClientEvents:       cfg.ClientEvents,
		Strict:             cfg.Strict,
		anyOrigin:          len(cfg.AllowedOrigins) == 0,
	}
	if app.MaxMessageSize <= 0 {
		app.MaxMessageSize = defaultMaxMessageSize
	}
	if app.MaxPresenceMembers <= 0 {
		app.MaxPresenceMembers = defaultMaxPresenceMembers
	}
	switch app.ClientEvents {
	case "":
		app.ClientEvents = clientEventsMembers
	case clientEventsNone, clientEventsMembers, clientEventsAll:
	default:
		return nil, errb.With("client_events", cfg.ClientEvents).
			Errorf("client_events must be one of none, members, all")
	}

	for _, pattern := range cfg.AllowedOrigins {
		if pattern == "*" {
			app.anyOrigin = true
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errb.With("origin", pattern).Wrapf(err, "invalid allowed origin")
		}
		app.origins = append(app.origins, g)
	}
	return app, nil
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// allowsOrigin matches the host of an Origin header against the app's
// allowed origin patterns.
func (a *application) allowsOrigin(origin string) bool {
	if a.anyOrigin {
		return true
	}
	if origin == "" {
		return false
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, g := range a.origins {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// applicationProvider resolves the application a request belongs to.
type applicationProvider interface {
	findByID(id string) (*application, error)
	findByKey(key string) (*application, error)
}

// applications is the config-backed applicationProvider. It is read-only
// after construction and safe for concurrent use.
type applications struct {
	byID  map[string]*application
	byKey map[string]*application
}

func newApplications(cfgs []appConfig) (*applications, error) {
	if len(cfgs) == 0 {
		return nil, oops.Code(codeConfigInvalid).Errorf("at least one app must be configured")
	}
	apps := &applications{
		byID:  make(map[string]*application, len(cfgs)),
		byKey: make(map[string]*application, len(cfgs)),
	}
	for _, cfg := range cfgs {
		app, err := newApplication(cfg)
		if err != nil {
			return nil, err
		}
		if _, ok := apps.byID[app.ID]; ok {
			return nil, oops.Code(codeConfigInvalid).With("app_id", app.ID).Errorf("duplicate app id")
		}
		if _, ok := apps.byKey[app.Key]; ok {
			return nil, oops.Code(codeConfigInvalid).With("app_id", app.ID).Errorf("duplicate app key")
		}
		apps.byID[app.ID] = app
		apps.byKey[app.Key] = app
	}
	return apps, nil
}

func (a *applications) findByID(id string) (*application, error) {
	if app, ok := a.byID[id]; ok {
		return app, nil
	}
	return nil, oops.Code(codeApplicationNotFound).With("app_id", id).Errorf("no application with id %q", id)
}

func (a *applications) findByKey(key string) (*application, error) {
	if app, ok := a.byKey[key]; ok {
		return app, nil
	}
	return nil, oops.Code(codeApplicationNotFound).With("app_key", key).Errorf("no application with key %q", key)
}
