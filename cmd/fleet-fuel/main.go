package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"

	"github.com/zombor/fleet-fuel/internal/assist"
	"github.com/zombor/fleet-fuel/internal/coupon"
	"github.com/zombor/fleet-fuel/internal/document"
	"github.com/zombor/fleet-fuel/internal/fuelnet"
	"github.com/zombor/fleet-fuel/internal/imaging"
	"github.com/zombor/fleet-fuel/internal/intake"
	"github.com/zombor/fleet-fuel/internal/ledger"
	"github.com/zombor/fleet-fuel/internal/mileage"
	"github.com/zombor/fleet-fuel/internal/server"
	"github.com/zombor/fleet-fuel/internal/session"
	"github.com/zombor/fleet-fuel/internal/telegram"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("fleet-fuel")
	var (
		port          = fs.IntLong("port", 8080, "Admin HTTP server port")
		dbPath        = fs.StringLong("db", "fleet-fuel.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./files", "Directory for receipts, coupon documents and invoices")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		telegramToken = fs.StringLong("telegram-token", "", "Telegram bot token (admin API only when empty)")

		fuelnetURL      = fs.StringLong("fuelnet-url", fuelnet.DefaultBaseURL, "Fuel network portal API base URL")
		fuelnetLogin    = fs.StringLong("fuelnet-login", "", "Fuel network portal login (coupons disabled when empty)")
		fuelnetPassword = fs.StringLong("fuelnet-password", "", "Fuel network portal password")
		couponContract  = fs.StringLong("coupon-contract", coupon.DefaultCouponContract, "Coupon contract id used when discovery fails")
		cardContract    = fs.StringLong("card-contract", coupon.DefaultCardContract, "Card contract id for balance and top-ups")
		minBalance      = fs.StringLong("min-balance", coupon.DefaultMinBalance.String(), "Card contract balance that triggers a top-up invoice")
		topUpAmount     = fs.StringLong("topup-amount", coupon.DefaultTopUpAmount.String(), "Amount of an automatic top-up invoice")
		tokenTTL        = fs.DurationLong("token-ttl", coupon.DefaultTokenTTL, "How long a portal token is reused")
		couponTTL       = fs.DurationLong("coupon-ttl", coupon.DefaultCacheTTL, "How long a coupon listing is reused")
		requestTimeout  = fs.DurationLong("request-timeout", fuelnet.DefaultTimeout, "Portal request timeout")
		documentTimeout = fs.DurationLong("document-timeout", fuelnet.DefaultDocTimeout, "Portal document request timeout")
		lowStock        = fs.IntLong("low-stock-threshold", coupon.DefaultLowStockThreshold, "Reorder a denomination at or below this count")
		reorderQuantity = fs.IntLong("reorder-quantity", coupon.DefaultReorderQuantity, "Coupons per reorder")
		autoReorder     = fs.BoolLong("auto-reorder", "Reorder low denominations automatically after allocations")

		selectionWindow = fs.DurationLong("selection-window", 15*time.Minute, "How long a payment prompt stays valid")
		maxPending      = fs.IntLong("max-pending", 1000, "Maximum pending fuel reports")
		sweepInterval   = fs.DurationLong("sweep-interval", time.Minute, "How often expired prompts are dropped")
		minConsumption  = fs.StringLong("min-consumption", "3", "Lowest plausible consumption in l/100km")
		maxConsumption  = fs.StringLong("max-consumption", "30", "Highest plausible consumption in l/100km")
		knownOnly       = fs.BoolLong("known-vehicles-only", "Reject reports for unregistered plates instead of registering them")
		timezone        = fs.StringLong("timezone", "Europe/Kyiv", "Time zone of the issued-coupon day")

		companyName = fs.StringLong("company-name", "", "Company name printed on local coupon documents")
		fontPath    = fs.StringLong("font", "", "TTF font for local coupon documents (ASCII transliteration when empty)")

		assistType  = fs.StringLong("assist", "none", "Fallback extractor: 'none', 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llama3.2", "Ollama model name")

		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FLEET_FUEL"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	validator, err := consumptionBounds(*minConsumption, *maxConsumption)
	if err != nil {
		slog.Error("Invalid consumption bounds", "error", err)
		os.Exit(1)
	}
	topUpPolicy, err := topUpPolicy(*minBalance, *topUpAmount)
	if err != nil {
		slog.Error("Invalid top-up policy", "error", err)
		os.Exit(1)
	}
	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		slog.Error("Invalid time zone", "timezone", *timezone, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := ledger.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...", "path", *storagePath)
	files, err := ledger.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	extractor, err := newExtractor(*assistType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		slog.Error("Failed to initialize fallback extractor", "error", err)
		os.Exit(1)
	}
	var fallback intake.Extractor
	if extractor != nil {
		defer extractor.Close()
		fallback = extractor
	}

	renderer, err := document.NewRenderer(document.RendererConfig{CompanyName: *companyName, FontPath: *fontPath})
	if err != nil {
		slog.Error("Failed to initialize coupon renderer", "error", err)
		os.Exit(1)
	}

	// Coupon path: stays nil in cash-only mode.
	var (
		coupons  intake.Coupons
		stock    server.Stock
		provider server.Provider
		source   document.Source
	)
	if *fuelnetLogin != "" && *fuelnetPassword != "" {
		client := fuelnet.New(fuelnet.Config{
			BaseURL:    *fuelnetURL,
			Login:      *fuelnetLogin,
			Password:   *fuelnetPassword,
			Timeout:    *requestTimeout,
			DocTimeout: *documentTimeout,
		})
		inventory := coupon.NewInventory(client, coupon.Config{
			TokenTTL:         *tokenTTL,
			CacheTTL:         *couponTTL,
			FallbackContract: *couponContract,
			CardContract:     *cardContract,
		})
		engine := coupon.NewEngine(inventory, coupon.NewIssuedLedger(loc, time.Now, db), files, coupon.EngineConfig{
			LowStockThreshold: *lowStock,
			ReorderQuantity:   *reorderQuantity,
			AutoReorder:       *autoReorder,
		})
		coupons, stock, provider, source = engine, engine, inventory, inventory
		slog.Info("Coupon payments enabled", "url", *fuelnetURL, "auto_reorder", *autoReorder)
	} else {
		slog.Warn("Fuel network credentials not set, fuelings are recorded as cash")
	}

	issuer := document.NewIssuer(source, imaging.PDFInspector{}, renderer, files)
	store := session.NewStore(*selectionWindow, *maxPending)
	service := intake.NewService(db, store, coupons, issuer, fallback, files, intake.Config{
		Validator:    validator,
		AutoRegister: !*knownOnly,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		service.Sweep(ctx, *sweepInterval)
	}()

	if *telegramToken != "" {
		bot, err := telegram.New(*telegramToken, service)
		if err != nil {
			slog.Error("Failed to start telegram bot", "error", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Run(ctx)
		}()
	} else {
		slog.Warn("Telegram token not set, running the admin API only")
	}

	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}
	srv := server.New(db, stock, provider, files, basicAuth).WithTopUpPolicy(topUpPolicy)

	addr := fmt.Sprintf(":%d", *port)
	if err := srv.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		stop()
	}

	slog.Info("Shutting down...")
	wg.Wait()
}

func consumptionBounds(minText, maxText string) (mileage.Validator, error) {
	lo, err := decimal.NewFromString(minText)
	if err != nil {
		return mileage.Validator{}, errors.Wrap(err, "parsing min-consumption")
	}
	hi, err := decimal.NewFromString(maxText)
	if err != nil {
		return mileage.Validator{}, errors.Wrap(err, "parsing max-consumption")
	}
	if !lo.IsPositive() || hi.LessThanOrEqual(lo) {
		return mileage.Validator{}, errors.Newf("need 0 < min < max, got %s and %s", lo, hi)
	}
	return mileage.Validator{Min: lo, Max: hi}, nil
}

func topUpPolicy(minText, amountText string) (server.TopUpPolicy, error) {
	min, err := decimal.NewFromString(minText)
	if err != nil {
		return server.TopUpPolicy{}, errors.Wrap(err, "parsing min-balance")
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return server.TopUpPolicy{}, errors.Wrap(err, "parsing topup-amount")
	}
	if min.IsNegative() || !amount.IsPositive() {
		return server.TopUpPolicy{}, errors.Newf("need min >= 0 and amount > 0, got %s and %s", min, amount)
	}
	return server.TopUpPolicy{MinBalance: min, Amount: amount}, nil
}

func newExtractor(kind, geminiKey, geminiModel, ollamaURL, ollamaModel string) (assist.Extractor, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "gemini":
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini extractor...", "model", geminiModel)
		return assist.NewGemini(apiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", ollamaURL, "model", ollamaModel)
		return assist.NewOllama(ollamaURL, ollamaModel), nil
	}
	return nil, errors.Newf("invalid assist type %q, want none, gemini or ollama", kind)
}
