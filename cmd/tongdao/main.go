package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aspect-build/tongdao/atls"
	"github.com/aspect-build/tongdao/attestation"
	"github.com/aspect-build/tongdao/internal/audit"
	"github.com/aspect-build/tongdao/internal/logx"
	"github.com/aspect-build/tongdao/internal/version"
	"github.com/aspect-build/tongdao/policy"
)

func main() {
	var (
		logLevel string
		verbose  bool
	)

	rootCmd := &cobra.Command{
		Use:     "tongdao",
		Short:   "Tongdao (通道) - attested TLS connections to confidential-computing services",
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logx.Configure(logLevel, verbose)
		},
	}
	rootCmd.SetVersionTemplate(version.String("tongdao") + "\n")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (or TONGDAO_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose debug logs (same as --log-level debug)")

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newPolicyCmd())
	rootCmd.AddCommand(newPinCmd())
	rootCmd.AddCommand(newAuditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadPolicyFile reads a single policy JSON document.
func loadPolicyFile(path string) (*policy.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p policy.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if p.Type != policy.KindDstackTDX {
		return nil, fmt.Errorf("unsupported policy type %q", p.Type)
	}
	return &p, nil
}

func newFetchCmd() *cobra.Command {
	var (
		policyPath string
		dev        bool
		timeout    time.Duration
		auditDB    string
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL over attested TLS and print the body",
		Long: `Fetch a URL whose hostname is governed by an attestation policy.
The policy comes from --policy (a JSON file produced by "tongdao policy" or
"tongdao pin") or --dev for a relaxed development policy. The attestation
evidence summary is printed to stderr; the response body goes to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse url: %w", err)
			}
			if target.Hostname() == "" {
				return fmt.Errorf("url %q has no hostname", args[0])
			}

			var pol *policy.Policy
			switch {
			case policyPath != "" && dev:
				return fmt.Errorf("--policy and --dev are mutually exclusive")
			case policyPath != "":
				pol, err = loadPolicyFile(policyPath)
				if err != nil {
					return err
				}
			case dev:
				pol = policy.Dev()
			default:
				return fmt.Errorf("a policy is required: use --policy <file> or --dev")
			}

			if !attestation.RATLSAvailable() {
				return fmt.Errorf("this build has no RA-TLS engine: rebuild with -tags ratls")
			}

			client, err := atls.New(atls.Config{
				Policies: atls.Registry{target.Hostname(): pol},
				Engine:   attestation.NewRATLSEngine(),
				Timeout:  timeout,
			})
			if err != nil {
				return err
			}
			defer client.CloseIdleConnections()

			resp, err := client.Get(target.String())
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.Attestation != nil {
				fmt.Fprintf(os.Stderr, "tongdao: attested connection: trusted=%v tee_type=%s\n",
					resp.Attestation.Trusted, resp.Attestation.TEEType)
				if auditDB != "" {
					if err := recordFetch(auditDB, target, resp.Attestation); err != nil {
						logx.Warnf("audit record failed: %v", err)
					}
				}
			}

			if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
				return fmt.Errorf("read response body: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "Path to a policy JSON file for the target hostname")
	cmd.Flags().BoolVar(&dev, "dev", false, "Use the relaxed development policy (NOT for production)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall request timeout (standard path only)")
	cmd.Flags().StringVar(&auditDB, "audit-db", "", "Record the attested connection into this SQLite database")

	return cmd
}

func recordFetch(dbPath string, target *url.URL, ev *attestation.Evidence) error {
	store, err := audit.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	port := 443
	if p := target.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}
	return store.Record(target.Hostname(), port, ev)
}

func newPolicyCmd() *cobra.Command {
	var (
		dev            bool
		disableRuntime bool
		allowedTCB     []string
		pccsURL        string
		cacheColl      bool
		composePath    string
		allowedEnvs    []string
		mrtd           string
		rtmr0          string
		rtmr1          string
		rtmr2          string
		osImageHash    string
	)

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Build an attestation policy and print its JSON form",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dev {
				return printJSON(policy.Dev())
			}

			opts := policy.Options{
				AllowedTCBStatus:           allowedTCB,
				DisableRuntimeVerification: disableRuntime,
				PCCSURL:                    pccsURL,
				CacheCollateral:            cacheColl,
				OSImageHash:                osImageHash,
			}
			if composePath != "" {
				content, err := os.ReadFile(composePath)
				if err != nil {
					return fmt.Errorf("read compose file: %w", err)
				}
				opts.DockerComposeFile = string(content)
			}
			if cmd.Flags().Changed("allowed-env") {
				opts.AllowedEnvs = allowedEnvs
			}
			if mrtd != "" || rtmr0 != "" || rtmr1 != "" || rtmr2 != "" {
				opts.ExpectedBootchain = &policy.Bootchain{
					MRTD:  mrtd,
					RTMR0: rtmr0,
					RTMR1: rtmr1,
					RTMR2: rtmr2,
				}
			}

			p, err := policy.DstackTDX(opts)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}

	cmd.Flags().BoolVar(&dev, "dev", false, "Emit the relaxed development policy")
	cmd.Flags().BoolVar(&disableRuntime, "disable-runtime-verification", false, "Skip bootchain/app-compose/OS-image checks (NOT for production)")
	cmd.Flags().StringSliceVar(&allowedTCB, "allowed-tcb", nil, "Acceptable TCB status values (default UpToDate)")
	cmd.Flags().StringVar(&pccsURL, "pccs-url", "", "PCCS URL for collateral fetching")
	cmd.Flags().BoolVar(&cacheColl, "cache-collateral", false, "Cache collateral between verifications")
	cmd.Flags().StringVar(&composePath, "compose-file", "", "Path to the docker-compose file expected to run in the TEE")
	cmd.Flags().StringSliceVar(&allowedEnvs, "allowed-env", nil, "Environment variable names the TEE app may receive")
	cmd.Flags().StringVar(&mrtd, "mrtd", "", "Expected MRTD measurement (hex)")
	cmd.Flags().StringVar(&rtmr0, "rtmr0", "", "Expected RTMR0 measurement (hex)")
	cmd.Flags().StringVar(&rtmr1, "rtmr1", "", "Expected RTMR1 measurement (hex)")
	cmd.Flags().StringVar(&rtmr2, "rtmr2", "", "Expected RTMR2 measurement (hex)")
	cmd.Flags().StringVar(&osImageHash, "os-image-hash", "", "Expected OS image hash (SHA256 hex)")

	return cmd
}

func newAuditCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recorded attested connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := audit.NewStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %s:%d  tee=%s trusted=%v\n",
					e.CreatedAt.Format(time.RFC3339), e.Host, e.Port, e.TEEType, e.Trusted)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "tongdao-audit.db", "Path to the audit database")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries to show")

	return cmd
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
