package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trainhub.org/internal/audit"
	"trainhub.org/internal/dept"
	"trainhub.org/internal/httpapi"
	"trainhub.org/internal/obs"
	"trainhub.org/internal/perm"
	"trainhub.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		svc   *perm.Service
		probe httpapi.ReadyProbe
		store *pg.Store
	)
	if dsn := os.Getenv("TRAINHUB_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		probe = httpapi.ReadyProbe{DB: store.DB()}
	}

	recorder := newRecorder(store)
	recorder.Start()

	if store != nil {
		svc = perm.NewService(store, store, store, store, recorder,
			perm.WithMembers(store, store))
	} else {
		// Storeless demo mode: an in-process tree for local exploration.
		log.Println("TRAINHUB_PG_DSN not set, running with in-memory stores")
		svc = newDemoService(recorder)
	}

	api := httpapi.New(probe, version, svc)

	addr := os.Getenv("TRAINHUB_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting trainhub-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	recorder.Close()
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func newRecorder(store *pg.Store) *audit.Recorder {
	if store != nil {
		return audit.NewRecorder(store)
	}
	return audit.NewRecorder(audit.NewMemory())
}

func newDemoService(recorder *audit.Recorder) *perm.Service {
	depts := dept.NewMemory()
	for _, d := range []struct{ id, name, parent string }{
		{"company", "Company", ""},
		{"eng", "Engineering", "company"},
		{"qa", "QA", "eng"},
		{"mkt", "Marketing", "company"},
	} {
		if _, err := depts.Add(d.id, d.name, d.parent); err != nil {
			log.Fatalf("seed department %s: %v", d.id, err)
		}
	}
	store := perm.NewMemory()
	store.PutTemplate(perm.Template{
		ID:          "tpl-examiner-default",
		Name:        "examiner-default",
		Description: "Baseline read access for examiners",
		Items: []perm.TemplateItem{
			{Resource: "reports", Action: "read", Granted: true},
			{Resource: "reports", Action: "write", Granted: false},
		},
	})
	return perm.NewService(depts, store, store, store, recorder,
		perm.WithMembers(store, store))
}
