// Package config loads the configuration of the authserver and resourceserver
// binaries.
//
// Loading happens in layers, each overriding the previous one:
//
//  1. built-in defaults (Default)
//  2. the YAML file, if it exists
//  3. MCP_AUTHZ_* environment variables for deployment-specific values and
//     secrets
//
// LoadEnv can run before Load to populate the environment from an AWS Secrets
// Manager secret and a .env file.
package config
