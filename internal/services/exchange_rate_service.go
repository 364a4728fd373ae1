package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ledger-service/internal/models"
)

// RateProvider returns the rate converting one unit of from into to at a
// point in time.
type RateProvider interface {
	RateAt(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error)
}

// RateStore is the persistence used by ExchangeRateService
type RateStore interface {
	FindRate(ctx context.Context, from, to string, at time.Time) (*models.ExchangeRate, error)
	CreateRate(ctx context.Context, rate *models.ExchangeRate) error
}

// ExchangeRateService resolves historical exchange rates from the database,
// caching resolved lookups in Redis when available.
type ExchangeRateService struct {
	store    RateStore
	redis    *redis.Client
	cacheTTL time.Duration
	logger   *logrus.Entry
}

// NewExchangeRateService creates a new exchange rate service. redisClient may be nil.
func NewExchangeRateService(store RateStore, redisClient *redis.Client, cacheTTL time.Duration, logger *logrus.Logger) *ExchangeRateService {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &ExchangeRateService{
		store:    store,
		redis:    redisClient,
		cacheTTL: cacheTTL,
		logger:   logger.WithField("component", "exchange_rates"),
	}
}

// RateAt returns the rate effective at the given time. Equal currencies
// always convert at 1; a missing rate is an error, never an implicit 1.
func (s *ExchangeRateService) RateAt(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	key := fmt.Sprintf("%s%d", rateKeyPrefix(from, to), at.UTC().Unix())
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, key).Result()
		if err == nil {
			if rate, perr := decimal.NewFromString(cached); perr == nil {
				return rate, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.WithError(err).Warn("exchange rate cache read failed")
		}
	}

	rate, err := s.lookup(ctx, from, to, at)
	if err != nil {
		return decimal.Zero, err
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, key, rate.String(), s.cacheTTL).Err(); err != nil {
			s.logger.WithError(err).Warn("exchange rate cache write failed")
		}
	}
	return rate, nil
}

func (s *ExchangeRateService) lookup(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error) {
	direct, err := s.store.FindRate(ctx, from, to, at)
	if err == nil {
		return direct.Rate, nil
	}
	if !errors.Is(err, models.ErrExchangeRateUnavailable) {
		return decimal.Zero, fmt.Errorf("failed to load exchange rate: %w", err)
	}

	inverse, err := s.store.FindRate(ctx, to, from, at)
	if err != nil {
		if errors.Is(err, models.ErrExchangeRateUnavailable) {
			return decimal.Zero, fmt.Errorf("%w: %s->%s at %s", models.ErrExchangeRateUnavailable, from, to, at.UTC().Format(time.RFC3339))
		}
		return decimal.Zero, fmt.Errorf("failed to load exchange rate: %w", err)
	}
	if inverse.Rate.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: zero rate for %s->%s", models.ErrExchangeRateUnavailable, to, from)
	}
	return decimal.NewFromInt(1).DivRound(inverse.Rate, 8), nil
}

func rateKeyPrefix(from, to string) string {
	return fmt.Sprintf("ledger:fx:%s:%s:", from, to)
}

// ImportRates validates and stores rates. Cached lookups of every imported
// pair are dropped, since a back-filled rate can change what an already
// cached timestamp resolves to.
func (s *ExchangeRateService) ImportRates(ctx context.Context, rates []models.ExchangeRate) (int, error) {
	touched := make(map[[2]string]struct{})
	defer func() { s.invalidatePairs(ctx, touched) }()

	for i := range rates {
		rate := &rates[i]
		rate.FromCurrency = strings.ToUpper(rate.FromCurrency)
		rate.ToCurrency = strings.ToUpper(rate.ToCurrency)
		if !validCurrency(rate.FromCurrency) || !validCurrency(rate.ToCurrency) {
			return i, fmt.Errorf("%w: %s/%s", models.ErrInvalidCurrency, rate.FromCurrency, rate.ToCurrency)
		}
		if !rate.Rate.IsPositive() {
			return i, fmt.Errorf("%w: rate must be positive", models.ErrInvalidAmount)
		}
		rate.EffectiveAt = rate.EffectiveAt.UTC()
		if err := s.store.CreateRate(ctx, rate); err != nil {
			return i, fmt.Errorf("failed to store exchange rate: %w", err)
		}
		touched[[2]string{rate.FromCurrency, rate.ToCurrency}] = struct{}{}
	}
	return len(rates), nil
}

// invalidatePairs deletes the cached lookups of each pair in both directions
func (s *ExchangeRateService) invalidatePairs(ctx context.Context, pairs map[[2]string]struct{}) {
	if s.redis == nil {
		return
	}
	for pair := range pairs {
		for _, prefix := range []string{rateKeyPrefix(pair[0], pair[1]), rateKeyPrefix(pair[1], pair[0])} {
			iter := s.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
			var keys []string
			for iter.Next(ctx) {
				keys = append(keys, iter.Val())
			}
			if err := iter.Err(); err != nil {
				s.logger.WithError(err).WithField("prefix", prefix).Warn("exchange rate cache scan failed")
				continue
			}
			if len(keys) == 0 {
				continue
			}
			if err := s.redis.Del(ctx, keys...).Err(); err != nil {
				s.logger.WithError(err).WithField("prefix", prefix).Warn("exchange rate cache invalidation failed")
			}
		}
	}
}

// validCurrency checks for a three letter upper-case ISO 4217 style code
func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// ParseRatesCSV reads rows of from,to,rate,effective_at[,source]. A header
// row starting with "from" is skipped.
func ParseRatesCSV(r io.Reader) ([]models.ExchangeRate, error) {
	rows, err := readCSV(r)
	if err != nil {
		return nil, err
	}

	rates := make([]models.ExchangeRate, 0, len(rows))
	for i, row := range rows {
		if isBlankRow(row) {
			continue
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "from") {
			continue
		}
		if len(row) < 4 {
			return nil, fmt.Errorf("row %d: expected from,to,rate,effective_at", i+1)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(row[2]))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid rate %q: %w", i+1, row[2], err)
		}
		effective, err := parseStatementDate(row[3])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		source := "import"
		if len(row) > 4 && strings.TrimSpace(row[4]) != "" {
			source = strings.TrimSpace(row[4])
		}
		rates = append(rates, models.ExchangeRate{
			FromCurrency: strings.TrimSpace(row[0]),
			ToCurrency:   strings.TrimSpace(row[1]),
			Rate:         rate,
			EffectiveAt:  effective,
			Source:       source,
		})
	}
	return rates, nil
}
