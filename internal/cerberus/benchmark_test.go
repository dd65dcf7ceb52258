package cerberus_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/Wikid82/guard/internal/cerberus"
	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/store"
)

func BenchmarkEvaluate(b *testing.B) {
	cerb := cerberus.New(config.GuardConfig{RateLimitThreshold: 1 << 30}, store.NewMemoryStore(), nil)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = cerb.Evaluate(ctx, request("192.0.2."+strconv.Itoa(i%250), "/bench"))
	}
}
