package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"meshsync.org/internal/auth"
	"meshsync.org/internal/cache"
	"meshsync.org/internal/dispatch"
	"meshsync.org/internal/entity"
	"meshsync.org/internal/httpapi"
	"meshsync.org/internal/obs"
	"meshsync.org/internal/store/pg"
	"meshsync.org/internal/token"
)

var version = "0.3.0"

const cacheTTL = 5 * time.Minute

func main() {
	obs.Init()

	addr := envOr("MESHSYNC_ADDR", ":8080")
	secret := os.Getenv("MESHSYNC_CACHE_SECRET")
	if secret == "" {
		secret = os.Getenv("MESHSYNC_AUTH_SECRET")
	}
	if secret == "" {
		log.Fatal("missing secret: set MESHSYNC_CACHE_SECRET or MESHSYNC_AUTH_SECRET")
	}

	signer, err := token.NewSigner([]byte(secret), cacheTTL)
	if err != nil {
		log.Fatalf("token signer: %v", err)
	}

	store := cache.New(cache.Options[entity.Entity]{
		Capacity:   envInt("MESHSYNC_CACHE_CAPACITY", 1024),
		DefaultTTL: cacheTTL,
		OnDispose: func(key string, _ entity.Entity, reason cache.Reason) {
			obs.CacheDisposals.WithLabelValues("entities", string(reason)).Inc()
		},
	})
	defer store.Close()
	entCache := cache.NewEntityCache("entities", store, signer)

	perms := auth.NewMembershipEngine()

	dispatcher := dispatch.New(dispatch.Options{
		Permissions:   perms,
		EligibleTypes: splitList(envOr("MESHSYNC_REALTIME_TYPES", "task,document,comment")),
		QueueSize:     envInt("MESHSYNC_QUEUE_SIZE", 16),
		MintToken: func(sub *dispatch.Subscriber, ev dispatch.ActivityEvent) (string, error) {
			version := 0
			if ev.Tx != nil {
				version = ev.Tx.Version
			}
			return signer.Generate(sub.UserID, subscriberOrgs(sub), ev.EntityType, ev.EntityID, version)
		},
	})

	activity := dispatch.NewActivityLog(envInt("MESHSYNC_ACTIVITY_LOG_SIZE", 1024))
	notify := func(ev dispatch.ActivityEvent) {
		activity.Append(ev)
		dispatcher.Dispatch(ev)
	}

	var entities entity.Service
	probe := httpapi.ReadyProbe{}
	if dsn := os.Getenv("MESHSYNC_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn, notify)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		entities = pgStore
		probe.DB = pgStore.DB()
	} else {
		entities = entity.NewInMemory(notify)
	}

	api := httpapi.New(httpapi.Config{
		ReadyProbe:  probe,
		Version:     version,
		Entities:    entities,
		Dispatcher:  dispatcher,
		Activity:    activity,
		Cache:       entCache,
		Signer:      signer,
		Permissions: perms,
		Users:       parseUsers(os.Getenv("MESHSYNC_USERS")),
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Long enough for SSE connections to be useful; clients reconnect and
		// catch up through /v1/activity when the server recycles them.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting meshsync-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func subscriberOrgs(sub *dispatch.Subscriber) []string {
	orgs := []string{sub.OrgID}
	for _, m := range sub.Memberships {
		if m.OrganizationID != sub.OrgID {
			orgs = append(orgs, m.OrganizationID)
		}
	}
	return orgs
}

// parseUsers reads "id:bcrypt-hash:system_role" triples separated by
// semicolons. When empty, the token endpoint issues sessions without a
// credential check, which is only suitable for development.
func parseUsers(raw string) map[string]auth.User {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	users := make(map[string]auth.User)
	for _, item := range strings.Split(raw, ";") {
		parts := strings.SplitN(strings.TrimSpace(item), ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			log.Fatalf("MESHSYNC_USERS entry %q must be id:bcrypt-hash[:system_role]", item)
		}
		u := auth.User{ID: parts[0], PasswordHash: parts[1]}
		if len(parts) == 3 {
			u.SystemRole = parts[2]
		}
		users[u.ID] = u
	}
	return users
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("%s must be a positive integer, got %q", key, v)
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
