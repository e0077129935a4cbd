package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// Environment variables read by LoadEnv itself.
const (
	EnvFilePath          = "ENV_FILE_PATH"
	EnvAWSSecretID       = "AWS_SECRETS_MANAGER_SECRET_ID"
	EnvAWSRegion         = "AWS_SECRETS_MANAGER_REGION"
	EnvAWSVersionStage   = "AWS_SECRETS_MANAGER_VERSION_STAGE"
	EnvAWSOverwrite      = "AWS_SECRETS_MANAGER_OVERWRITE"
	defaultVersionStage  = "AWSCURRENT"
	kubernetesServiceEnv = "KUBERNETES_SERVICE_HOST"
)

// secretGetter is the subset of *secretsmanager.Client used here.
type secretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadEnv copies the JSON object stored in an AWS Secrets Manager secret into
// the environment (when AWS_SECRETS_MANAGER_SECRET_ID is set) and then loads
// a .env file. Neither source is required; failures are logged.
func LoadEnv(ctx context.Context, logger *slog.Logger, defaultEnvPath string) {
	if secretID := os.Getenv(EnvAWSSecretID); secretID != "" {
		if err := loadAWSSecret(ctx, logger, secretID); err != nil {
			logger.Warn("Skipping AWS Secrets Manager load", "secret_id", secretID, "error", err)
		}
	}
	loadDotEnv(logger, defaultEnvPath)
}

func loadDotEnv(logger *slog.Logger, defaultEnvPath string) {
	envFile := os.Getenv(EnvFilePath)
	if envFile == "" {
		envFile = defaultEnvPath
	}
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(envFile); err != nil {
		if os.Getenv(kubernetesServiceEnv) == "" {
			logger.Debug("No .env file loaded, using process environment", "path", envFile)
		}
		return
	}
	logger.Info("Loaded environment file", "path", envFile)
}

func loadAWSSecret(ctx context.Context, logger *slog.Logger, secretID string) error {
	var opts []func(*awsconfig.LoadOptions) error
	if region := os.Getenv(EnvAWSRegion); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	versionStage := os.Getenv(EnvAWSVersionStage)
	if versionStage == "" {
		versionStage = defaultVersionStage
	}
	overwrite := strings.EqualFold(os.Getenv(EnvAWSOverwrite), "true")

	applied, err := applySecret(ctx, secretsmanager.NewFromConfig(cfg), secretID, versionStage, overwrite, os.LookupEnv, os.Setenv)
	if err != nil {
		return err
	}
	logger.Info("Loaded environment from AWS Secrets Manager", "secret_id", secretID, "applied", applied)
	return nil
}

// applySecret fetches secretID and sets each key of its JSON object as an
// environment variable. Existing variables are kept unless overwrite is set.
func applySecret(
	ctx context.Context,
	client secretGetter,
	secretID, versionStage string,
	overwrite bool,
	lookupEnv func(string) (string, bool),
	setenv func(string, string) error,
) (int, error) {
	input := &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)}
	if versionStage != "" {
		input.VersionStage = aws.String(versionStage)
	}
	output, err := client.GetSecretValue(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload []byte
	switch {
	case output.SecretString != nil:
		payload = []byte(*output.SecretString)
	case len(output.SecretBinary) > 0:
		payload = output.SecretBinary
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err != nil {
		return 0, fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if existing, ok := lookupEnv(key); ok && existing != "" && !overwrite {
			continue
		}
		if err := setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}
