package policy

// defaultAppCompose mirrors the dstack app compose schema with its default
// values. Callers usually only care about docker_compose_file and
// allowed_envs; everything else is boilerplate the verifier expects.
func defaultAppCompose() map[string]any {
	return map[string]any{
		"manifest_version":           2,
		"name":                       "",
		"runner":                     "docker-compose",
		"docker_compose_file":        "",
		"kms_enabled":                true,
		"gateway_enabled":            true,
		"public_logs":                false,
		"public_sysinfo":             false,
		"local_key_provider_enabled": false,
		"allowed_envs":               []string{},
		"no_instance_id":             false,
		"secure_time":                false,
	}
}

// MergeWithDefaultAppCompose overlays user onto the default app compose
// record. The merge is shallow: each top-level key of user replaces the
// default wholesale, unknown keys are kept, and user is never modified.
// Merging a complete record is a no-op, so the function is idempotent.
func MergeWithDefaultAppCompose(user map[string]any) map[string]any {
	merged := defaultAppCompose()
	for k, v := range user {
		merged[k] = v
	}
	return merged
}
