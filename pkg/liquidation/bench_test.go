package liquidation

import (
	"fmt"
	"testing"

	"perpx.com/pkg/futures"
)

func benchIndex(n int) *RiskLevelIndex {
	idx := NewRiskLevelIndex()
	var warning, danger, critical []PositionRiskData
	tokens := []string{"BTC", "ETH", "SOL", "DOGE"}
	for i := 0; i < n; i++ {
		d := PositionRiskData{
			PositionID: futures.GetPositionID(fmt.Sprintf("acct-%d", i), 1, i%2 == 0),
			Token:      tokens[i%len(tokens)],
		}
		switch i % 3 {
		case 0:
			d.Level, d.RiskRatio = RiskLevelWarning, 0.75
			warning = append(warning, d)
		case 1:
			d.Level, d.RiskRatio = RiskLevelDanger, 0.85
			danger = append(danger, d)
		default:
			d.Level, d.RiskRatio = RiskLevelCritical, 0.95
			critical = append(critical, d)
		}
	}
	idx.Rebuild(warning, danger, critical)
	return idx
}

func BenchmarkRiskLevelIndex_GetByToken(b *testing.B) {
	idx := benchIndex(10_000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = idx.GetByToken("ETH")
	}
}

func BenchmarkRiskLevelIndex_Update(b *testing.B) {
	idx := benchIndex(10_000)
	d := PositionRiskData{PositionID: futures.GetPositionID("hot", 1, true), Token: "BTC", Level: RiskLevelDanger}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i%2 == 0 {
			d.Level = RiskLevelCritical
		} else {
			d.Level = RiskLevelDanger
		}
		idx.Update(d)
	}
}

func BenchmarkRiskLevelIndex_ParallelRead(b *testing.B) {
	idx := benchIndex(10_000)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = idx.GetByLevel(RiskLevelCritical)
		}
	})
}
