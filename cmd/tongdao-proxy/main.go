package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aspect-build/tongdao/atls"
	"github.com/aspect-build/tongdao/attestation"
	"github.com/aspect-build/tongdao/internal/audit"
	"github.com/aspect-build/tongdao/internal/logx"
	"github.com/aspect-build/tongdao/internal/proxy"
	"github.com/aspect-build/tongdao/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or TONGDAO_LOG_LEVEL)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("tongdao-proxy"))
		fmt.Fprintf(os.Stderr, "Local gateway that replays HTTP requests over attested TLS.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  TONGDAO_PROXY_POLICIES  Hostname->policy JSON file (required)\n")
		fmt.Fprintf(os.Stderr, "  TONGDAO_PROXY_LISTEN    Listen address (default: 127.0.0.1:8642)\n")
		fmt.Fprintf(os.Stderr, "  TONGDAO_PROXY_AUDIT_DB  SQLite audit log path (empty disables auditing)\n")
		fmt.Fprintf(os.Stderr, "  TONGDAO_LOG_LEVEL       Log level: debug|info|warn|error (default: error)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("tongdao-proxy"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := proxy.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	registry, err := proxy.LoadRegistry(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("load policies: %v", err)
	}
	if !attestation.RATLSAvailable() {
		log.Fatalf("this build has no RA-TLS engine: rebuild with -tags ratls")
	}

	client, err := atls.New(atls.Config{
		Policies: registry,
		Engine:   attestation.NewRATLSEngine(),
	})
	if err != nil {
		log.Fatalf("build client: %v", err)
	}
	defer client.CloseIdleConnections()

	var store *audit.Store
	if cfg.AuditDBPath != "" {
		store, err = audit.NewStore(cfg.AuditDBPath)
		if err != nil {
			log.Fatalf("open audit database: %v", err)
		}
		defer store.Close()
	}

	r := proxy.NewRouter(client, store)
	logx.Infof("proxy config: policies=%s audit=%v hosts=%d", cfg.PolicyPath, cfg.AuditDBPath != "", len(registry))

	log.Printf("tongdao-proxy listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
