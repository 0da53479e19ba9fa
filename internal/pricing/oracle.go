// Package pricing converts chain storage costs into stable-token quotes.
//
// Two external rates feed every quote: the gateway's winston price for a
// single chunk and the chain token's USD exchange rate. Both are cached.
// The FX rate additionally serves stale values for a bounded window so a
// transient oracle outage does not take uploads down with it.
package pricing

import (
	"context"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/arweave"
	"github.com/bundlepay/server/internal/cacheutil"
	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/httputil"
)

// fxRequestTimeout bounds a single FX endpoint call. Quotes sit on the
// upload hot path, so a slow oracle must fail fast into the stale window.
const fxRequestTimeout = 10 * time.Second

// ChainPricer supplies the gateway's byte price. *arweave.Client satisfies it.
type ChainPricer interface {
	PriceForBytes(ctx context.Context, byteCount int64) (uint64, error)
}

// Quote is a priced upload: the chain cost and the stable amount owed for it.
type Quote struct {
	Winston     uint64  // chain cost before markup
	AtomicTotal uint64  // stable units owed, fee and floor applied
	Rate        float64 // USD per chain token used for the conversion
}

// Oracle prices uploads in atomic stable-token units.
type Oracle struct {
	chain    ChainPricer
	http     *http.Client
	cfg      config.PricingConfig
	priceTTL time.Duration
	logger   zerolog.Logger

	chunkMu    sync.RWMutex
	chunkPrice cacheutil.CachedValue[uint64]

	fxMu sync.RWMutex
	fx   cacheutil.CachedValue[float64]
}

// NewOracle builds an Oracle using the gateway client for byte prices and
// cfg.FXURL for the token's USD rate. priceTTL bounds the chunk price cache.
func NewOracle(chain ChainPricer, cfg config.PricingConfig, priceTTL time.Duration, logger zerolog.Logger) *Oracle {
	if priceTTL <= 0 {
		priceTTL = time.Minute
	}
	return &Oracle{
		chain:    chain,
		http:     httputil.NewClient(fxRequestTimeout),
		cfg:      cfg,
		priceTTL: priceTTL,
		logger:   logger.With().Str("component", "pricing").Logger(),
	}
}

// QuoteBytes prices storing byteCount bytes in a stable token with the given
// number of decimals. The fee markup and the per-quote floor are applied.
func (o *Oracle) QuoteBytes(ctx context.Context, byteCount int64, decimals int) (Quote, error) {
	winston, err := o.WinstonForBytes(ctx, byteCount)
	if err != nil {
		return Quote{}, err
	}
	rate, err := o.usdPerToken(ctx)
	if err != nil {
		return Quote{}, err
	}
	atomic, err := stableForWinston(winston, rate, decimals, o.cfg.FeePercent)
	if err != nil {
		return Quote{}, err
	}
	if atomic < o.cfg.MinQuoteAtomic {
		atomic = o.cfg.MinQuoteAtomic
	}
	return Quote{Winston: winston, AtomicTotal: atomic, Rate: rate}, nil
}

// ChainUnitsForStable converts a settled stable amount into its winston
// equivalent at the current rate. Recorded on payments for refund math.
func (o *Oracle) ChainUnitsForStable(ctx context.Context, atomic uint64, decimals int) (uint64, error) {
	rate, err := o.usdPerToken(ctx)
	if err != nil {
		return 0, err
	}
	return winstonForStable(atomic, rate, decimals)
}

// WinstonForBytes returns the chain cost of storing byteCount bytes. The
// gateway is asked for the price of one full chunk and the result is scaled
// by the chunk count, so a single cached price serves quotes of every size.
func (o *Oracle) WinstonForBytes(ctx context.Context, byteCount int64) (uint64, error) {
	perChunk, err := o.chunkWinston(ctx)
	if err != nil {
		return 0, err
	}
	chunks := (byteCount + arweave.MaxChunkSize - 1) / arweave.MaxChunkSize
	if chunks < 1 {
		chunks = 1
	}
	total := new(big.Int).SetUint64(perChunk)
	total.Mul(total, big.NewInt(chunks))
	if !total.IsUint64() {
		return 0, ErrOverflow
	}
	return total.Uint64(), nil
}

func (o *Oracle) chunkWinston(ctx context.Context) (uint64, error) {
	return cacheutil.ReadThrough(
		&o.chunkMu,
		func(now time.Time) (uint64, bool) {
			if !o.chunkPrice.FetchedAt.IsZero() && o.chunkPrice.Age(now) < o.priceTTL {
				return o.chunkPrice.Value, true
			}
			return 0, false
		},
		func(now time.Time) (uint64, error) {
			price, err := o.chain.PriceForBytes(ctx, arweave.MaxChunkSize)
			if err != nil {
				return 0, err
			}
			o.chunkPrice = cacheutil.CachedValue[uint64]{Value: price, FetchedAt: now}
			return price, nil
		},
	)
}
