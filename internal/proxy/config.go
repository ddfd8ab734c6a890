package proxy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aspect-build/tongdao/atls"
	"github.com/aspect-build/tongdao/policy"
)

// Config holds proxy configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	PolicyPath  string
	AuditDBPath string
}

// LoadConfig loads proxy configuration from environment variables.
func LoadConfig() (*Config, error) {
	policyPath := os.Getenv("TONGDAO_PROXY_POLICIES")
	if policyPath == "" {
		return nil, fmt.Errorf("TONGDAO_PROXY_POLICIES is required (path to a hostname->policy JSON file)")
	}

	listenAddr := os.Getenv("TONGDAO_PROXY_LISTEN")
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8642"
	}

	return &Config{
		ListenAddr:  listenAddr,
		PolicyPath:  policyPath,
		AuditDBPath: os.Getenv("TONGDAO_PROXY_AUDIT_DB"),
	}, nil
}

// LoadRegistry reads a hostname->policy JSON file into a registry. Each
// policy is rebuilt through the policy package so file contents go through
// the same validation as programmatic construction.
func LoadRegistry(path string) (atls.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var parsed map[string]*policy.Policy
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	registry := make(atls.Registry, len(parsed))
	for host, p := range parsed {
		if host == "" {
			return nil, fmt.Errorf("policy file contains an empty hostname key")
		}
		if p == nil {
			return nil, fmt.Errorf("policy for %q is null", host)
		}
		if p.Type != policy.KindDstackTDX {
			return nil, fmt.Errorf("policy for %q has unsupported type %q", host, p.Type)
		}
		if len(p.AllowedTCBStatus) == 0 {
			return nil, fmt.Errorf("policy for %q has an empty allowed_tcb_status list", host)
		}
		registry[host] = p
	}
	return registry, nil
}
