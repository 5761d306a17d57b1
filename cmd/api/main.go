package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"tilgang.org/internal/config"
	"tilgang.org/internal/delegation"
	"tilgang.org/internal/events"
	"tilgang.org/internal/httpapi"
	"tilgang.org/internal/obs"
	"tilgang.org/internal/party"
	"tilgang.org/internal/policy"
	"tilgang.org/internal/registry"
	"tilgang.org/internal/store/pg"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		rules      delegation.RuleStore
		changes    delegation.ChangeLog
		resources  registry.Lookup
		policies   policy.Provider
		parties    party.Lookup
		roles      party.RoleResolver
		readyProbe httpapi.ReadyProbe
		closeStore func() error
	)
	if cfg.Postgres.DSN != "" {
		store, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		rules, changes, resources, policies = store, store, store, store
		parties, roles = store, store
		readyProbe = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = store.Close
	} else {
		// Development mode: everything in memory, seeded with fixtures.
		log.Println("no TILGANG_PG_DSN set, running with in-memory stores")
		mem := delegation.NewInMemory()
		reg := party.NewRegistry()
		res := registry.NewStatic()
		pol := policy.NewStaticProvider()
		devFixtures(reg, res, pol)
		rules, changes, resources, policies = mem, mem, res, pol
		parties, roles = reg, reg
		closeStore = func() error { return nil }
	}

	stream := events.NewStream()
	dispatcher := events.NewDispatcher(stream)

	resolver, err := delegation.NewResolver(rules, policies, policy.RuleMatcher{}, parties, roles)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}
	admin, err := delegation.NewAdmin(rules, changes, resources, delegation.WithDispatcher(dispatcher))
	if err != nil {
		log.Fatalf("admin: %v", err)
	}
	checker, err := delegation.NewChecker(resolver, resources, policies, parties)
	if err != nil {
		log.Fatalf("checker: %v", err)
	}
	aggregator, err := delegation.NewAggregator(parties, roles, changes)
	if err != nil {
		log.Fatalf("aggregator: %v", err)
	}

	opts := []httpapi.Option{httpapi.WithStream(stream)}
	if cfg.Auth.Secret != "" {
		authn, err := httpapi.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer)
		if err != nil {
			log.Fatalf("authenticator: %v", err)
		}
		opts = append(opts, httpapi.WithAuthenticator(authn))
	} else {
		log.Println("no TILGANG_AUTH_SECRET set, authentication disabled")
	}

	api := httpapi.New(readyProbe, version, admin, resolver, checker, aggregator, opts...)

	handler := api.Handler()
	handler = httpapi.MaxBodyBytes(handler, cfg.HTTP.MaxBodyBytes)
	handler = httpapi.RateLimit(handler, cfg.HTTP.RateBurst, cfg.HTTP.RatePerSecond)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	log.Printf("Starting tilgang-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	dispatcher.Wait()
	_ = closeStore()
	log.Println("Stopped")
}

// devFixtures mirrors ops/migrations/seeds for the in-memory stores.
func devFixtures(reg *party.Registry, res *registry.Static, pol *policy.StaticProvider) {
	reg.AddParty(party.Party{ID: "50005545", Type: party.TypeOrganization, Name: "Jks Bil AS", OrganizationNumber: "910460038"})
	reg.AddParty(party.Party{ID: "50005546", Type: party.TypeOrganization, Name: "Jks Bil AS avd Oslo", OrganizationNumber: "910460046", ParentUnitID: "50005545"})
	reg.AddParty(party.Party{ID: "50002110", Type: party.TypePerson, Name: "Kari Nordmann"})
	reg.LinkUser("20000095", "50002110")
	reg.GrantKeyRole("20000095", "50005545", party.KeyRole{Code: "DAGL"})

	res.Add(registry.ResourceInfo{ID: "jks_audi_etron_gt", Type: registry.TypeResource, MinAuthenticationLevel: 2, Delegable: true})
	pol.SetResourcePolicy(policy.Document{
		ResourceID: "jks_audi_etron_gt",
		Rules: []policy.Rule{
			{Action: "Park"},
			{Action: "Drive", RequiredRoles: []string{"DAGL"}},
			{Action: "Lend"},
		},
	})
}
