// Package syncd is an embeddable storage server for browser sync clients.
// Every request to a user's collections runs inside one storage transaction
// guarded by a per-(user, collection) reader/writer lock, with conditional
// request headers evaluated against the resource timestamp before the handler
// runs. The server is designed to run cleanly as PID 1, and the package also
// makes it easy to embed the server in another program.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen`. Requests are authenticated with Hawk
// signatures over tokens derived from `Config.MasterSecret`.
//
//	cfg := syncd.Config{
//	    Store:        "sqlite:///var/lib/syncd/sync.db",
//	    Listen:       ":8000",
//	    MasterSecret: os.Getenv("SYNCD_MASTER_SECRET"),
//	}
//	srv, err := syncd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("syncd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Stores
//
// `Config.Store` selects the backend:
//
//   - `mem://` keeps everything in process memory (tests, demos)
//   - `sqlite:///path/to/sync.db` uses a single SQLite file in WAL mode
//   - `bolt:///path/to/sync.db` uses a bbolt file with one bucket tree per user
//
// Writes are staged per request and applied atomically on commit, so a request
// that fails half way leaves no trace in any backend. VerifyStore runs a
// commit, read-back, rollback and cleanup cycle against a store URL without
// starting a server; `syncd verify store` is its command line front end.
//
// Go programs talk to a running server through the client package.
//
// # Unix domain sockets
//
// For same-host sidecars set `ListenProto` to "unix"; the socket is removed on
// shutdown.
//
//	cfg := syncd.Config{
//	    Store:        "mem://",
//	    ListenProto:  "unix",
//	    Listen:       "/var/run/syncd.sock",
//	    MasterSecret: secret,
//	}
//	srv, stop, err := syncd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Telemetry
//
// Setting `MetricsListen` serves Prometheus metrics at /metrics, `PprofListen`
// exposes net/http/pprof, and `OTLPEndpoint` exports traces over OTLP (bare
// host:port means insecure gRPC; grpc://, grpcs://, http:// and https:// URLs
// pick the transport explicitly).
package syncd
