package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Billing   BillingConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	URL string
}

type JWTConfig struct {
	Secret string
}

// BillingConfig is plain operational config: no field changes behavior
// dynamically, everything is read once at startup.
type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeProPriceID    string

	GraceHours int

	FreeMonthlyCredits int
	ProMonthlyCredits  int

	TextImportCost  int
	URLImportCost   int
	ImageImportCost int

	// Override allow-lists: these users bypass the credit ledger entirely.
	OverrideUserIDs []uint
	OverrideEmails  []string
}

type RateLimitConfig struct {
	WindowSeconds int
	MaxRequests   int
}

type StorageConfig struct {
	Bucket string
	Region string
}

func Load() *Config {
	godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "3000"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "mealpage-dev-secret"),
		},
		Billing: BillingConfig{
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			StripeProPriceID:    getEnv("STRIPE_PRO_PRICE_ID", ""),
			GraceHours:          getEnvInt("BILLING_GRACE_HOURS", 72),
			FreeMonthlyCredits:  getEnvInt("IMPORT_FREE_MONTHLY_CREDITS", 40),
			ProMonthlyCredits:   getEnvInt("IMPORT_PRO_MONTHLY_CREDITS", 400),
			TextImportCost:      getEnvInt("IMPORT_TEXT_COST", 1),
			URLImportCost:       getEnvInt("IMPORT_URL_COST", 2),
			ImageImportCost:     getEnvInt("IMPORT_IMAGE_COST", 3),
			OverrideUserIDs:     getEnvUintList("IMPORT_OVERRIDE_USER_IDS"),
			OverrideEmails:      getEnvList("IMPORT_OVERRIDE_EMAILS"),
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: getEnvInt("IMPORT_RATE_WINDOW_SECONDS", 300),
			MaxRequests:   getEnvInt("IMPORT_RATE_MAX_REQUESTS", 8),
		},
		Storage: StorageConfig{
			Bucket: getEnv("S3_IMPORT_BUCKET", "mealpage-imports"),
			Region: getEnv("S3_REGION", "eu-central-1"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

func getEnvUintList(key string) []uint {
	var ids []uint
	for _, part := range getEnvList(key) {
		if n, err := strconv.ParseUint(part, 10, 32); err == nil {
			ids = append(ids, uint(n))
		}
	}
	return ids
}
