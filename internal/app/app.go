package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/ratelimit"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/clickmon/clickmon/internal/collector"
	"github.com/clickmon/clickmon/internal/config"
	"github.com/clickmon/clickmon/internal/sink"
	"github.com/clickmon/clickmon/internal/types"
	"github.com/clickmon/clickmon/internal/utils"
)

// Application wires configuration, collectors and the ops endpoint
// together and owns their lifecycle. Each instance gets its own
// collector and a serial collection loop, so cycles for one instance
// never overlap.
type Application struct {
	mu         sync.Mutex
	config     types.Config
	sink       sink.Sink
	collectors map[string]*collector.Check
	server     *http.Server
	shutdown   chan struct{}
	loopStop   chan struct{}
	wg         sync.WaitGroup
}

func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}

	utils.SetLogLevel(cfg.GlobalConfig.LogLevel)

	snk, err := sink.NewDogstatsd(cfg.GlobalConfig.StatsdAddr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to dogstatsd")
	}

	app := &Application{
		config:     cfg,
		sink:       snk,
		collectors: make(map[string]*collector.Check),
		shutdown:   make(chan struct{}),
	}
	app.buildCollectors(cfg)
	app.startLoops(cfg)

	app.server = app.startHTTPServer()
	go app.watchConfig(configFile)

	return app, nil
}

func instanceKey(inst types.Instance) string {
	return fmt.Sprintf("%s:%d", inst.Server, inst.Port)
}

// buildCollectors replaces the collector set. Called at startup and on
// config reload; the caller's config is already validated.
func (app *Application) buildCollectors(cfg types.Config) {
	app.mu.Lock()
	defer app.mu.Unlock()

	old := app.collectors
	app.collectors = make(map[string]*collector.Check, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		customQueries := config.ResolveCustomQueries(inst, cfg.InitConfig)
		app.collectors[instanceKey(inst)] = collector.New(inst, customQueries, app.sink, cfg.GlobalConfig)
	}
	for key, check := range old {
		if err := check.Close(); err != nil {
			logrus.Errorf("Closing collector %s: %v", key, err)
		}
	}
}

func (app *Application) check(key string) *collector.Check {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.collectors[key]
}

// startLoops launches one collection loop per configured instance.
func (app *Application) startLoops(cfg types.Config) {
	stop := make(chan struct{})
	app.mu.Lock()
	app.loopStop = stop
	app.mu.Unlock()

	for _, inst := range cfg.Instances {
		app.wg.Add(1)
		go app.runLoop(inst, stop)
	}
}

// restartLoops replaces the running loops with ones matching the given
// configuration, so reloads pick up added instances and interval
// changes. The old loops drain fully before the new ones start, keeping
// cycles for any one instance serial across the reload.
func (app *Application) restartLoops(cfg types.Config) {
	app.mu.Lock()
	stop := app.loopStop
	app.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	app.wg.Wait()
	app.startLoops(cfg)
}

// runLoop drives one instance's collection on its configured interval.
// The loop is serial by construction: the next tick waits for the
// previous cycle to finish.
func (app *Application) runLoop(inst types.Instance, stop <-chan struct{}) {
	defer app.wg.Done()

	key := instanceKey(inst)
	interval := time.Duration(inst.MinCollectionInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	app.runOnce(key)
	for {
		select {
		case <-ticker.C:
			app.runOnce(key)
		case <-stop:
			return
		case <-app.shutdown:
			return
		}
	}
}

func (app *Application) runOnce(key string) {
	check := app.check(key)
	if check == nil {
		return
	}
	// Run logs its own failures; a failed cycle must not stop the loop.
	_ = check.Run(context.Background())
}

func (app *Application) startHTTPServer() *http.Server {
	if app.config.GlobalConfig.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.RateLimitMiddleware(
		utils.BasicAuthHandler(app.config.BasicAuth.Username, app.config.BasicAuth.Password, promhttp.Handler()),
	))
	mux.HandleFunc("/health", app.healthHandler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.GlobalConfig.Port),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()
	return server
}

// RateLimitMiddleware caps request throughput on the ops endpoint.
func (app *Application) RateLimitMiddleware(next http.Handler) http.Handler {
	bucket := ratelimit.NewBucketWithRate(
		float64(app.config.GlobalConfig.RateLimitRequests),
		int64(app.config.GlobalConfig.RateLimitBurst),
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bucket.TakeAvailable(1) == 0 {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (app *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Instances map[string]string `json:"instances"`
	}{
		Instances: make(map[string]string),
	}

	app.mu.Lock()
	for key, check := range app.collectors {
		if check.Connected() {
			status.Instances[key] = "connected"
		} else {
			status.Instances[key] = "disconnected"
		}
	}
	app.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logrus.Errorf("Failed to encode health response: %v", err)
	}
}

func (app *Application) watchConfig(filename string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Errorf("Failed to create config watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filename); err != nil {
		logrus.Errorf("Failed to watch config file: %v", err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				cfg, err := config.Load(filename)
				if err != nil {
					logrus.Errorf("Failed to reload config: %v", err)
					continue
				}
				app.mu.Lock()
				app.config = cfg
				app.mu.Unlock()
				app.buildCollectors(cfg)
				app.restartLoops(cfg)
				logrus.Info("Configuration reloaded successfully")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logrus.Errorf("Config watcher error: %v", err)
		case <-app.shutdown:
			return
		}
	}
}

// Shutdown stops the loops, closes every session and drains the sink.
func (app *Application) Shutdown() {
	close(app.shutdown)
	app.wg.Wait()

	app.mu.Lock()
	for key, check := range app.collectors {
		if err := check.Close(); err != nil {
			logrus.Errorf("Closing collector %s: %v", key, err)
		}
	}
	app.mu.Unlock()

	if err := app.sink.Close(); err != nil {
		logrus.Errorf("Closing metric sink: %v", err)
	}

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(app.config.GlobalConfig.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := app.server.Shutdown(ctx); err != nil {
			logrus.Errorf("Server shutdown failed: %v", err)
		}
	}
}
