package scanner

import "github.com/rcmckee/tradewire/internal/domain"

// Built-in filter evaluation. The engine applies these in a fixed order,
// short-circuiting on the first rejection:
// price -> volume -> technical -> fundamental -> momentum -> pattern -> custom.

func checkPrice(snap domain.AssetSnapshot, f *domain.PriceFilter) bool {
	if f.MinPrice != nil && snap.Price < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && snap.Price > *f.MaxPrice {
		return false
	}
	if f.MinChangePercent != nil {
		change := snap.ChangePercent
		if change < 0 {
			change = -change
		}
		if change < *f.MinChangePercent {
			return false
		}
	}
	if f.AboveVWAP != nil {
		vwap, ok := snap.Indicators["vwap"]
		if !ok {
			vwap = snap.Price
		}
		if *f.AboveVWAP && snap.Price <= vwap {
			return false
		}
		if !*f.AboveVWAP && snap.Price >= vwap {
			return false
		}
	}
	if f.NearHighPercent != nil && snap.High > 0 {
		if (snap.High-snap.Price)/snap.High*100 > *f.NearHighPercent {
			return false
		}
	}
	if f.NearLowPercent != nil && snap.Low > 0 {
		if (snap.Price-snap.Low)/snap.Low*100 > *f.NearLowPercent {
			return false
		}
	}
	return true
}

func checkVolume(snap domain.AssetSnapshot, f *domain.VolumeFilter) bool {
	if f.MinVolume != nil && snap.Volume < *f.MinVolume {
		return false
	}
	if f.MaxVolume != nil && snap.Volume > *f.MaxVolume {
		return false
	}
	if f.VolumeRatio != nil {
		if snap.AvgVolume <= 0 {
			return false
		}
		if float64(snap.Volume)/float64(snap.AvgVolume) < *f.VolumeRatio {
			return false
		}
	}
	if f.DollarVolume != nil {
		if float64(snap.Volume)*snap.Price < *f.DollarVolume {
			return false
		}
	}
	return true
}

func checkTechnical(snap domain.AssetSnapshot, f *domain.TechnicalFilter) bool {
	if rsi, ok := snap.Indicators["rsi"]; ok {
		if f.RSIMin != nil && rsi < *f.RSIMin {
			return false
		}
		if f.RSIMax != nil && rsi > *f.RSIMax {
			return false
		}
	}
	if f.MACDSignal != "" {
		hist := snap.Indicators["macd_histogram"]
		if f.MACDSignal == "bullish" && hist <= 0 {
			return false
		}
		if f.MACDSignal == "bearish" && hist >= 0 {
			return false
		}
	}
	if f.ADXMin != nil {
		if snap.Indicators["adx"] < *f.ADXMin {
			return false
		}
	}
	if f.BollingerPosition != "" {
		pos, ok := snap.Indicators["bollinger_position"]
		if !ok {
			return false
		}
		// Encoded -1 lower, 0 middle, +1 upper.
		switch f.BollingerPosition {
		case "lower":
			if pos >= 0 {
				return false
			}
		case "upper":
			if pos <= 0 {
				return false
			}
		case "middle":
			if pos != 0 {
				return false
			}
		}
	}
	return true
}

func checkFundamental(snap domain.AssetSnapshot, f *domain.FundamentalFilter) bool {
	if mcap, ok := snap.Fundamentals["market_cap"]; ok {
		if f.MarketCapMin != nil && mcap < *f.MarketCapMin {
			return false
		}
		if f.MarketCapMax != nil && mcap > *f.MarketCapMax {
			return false
		}
	}
	if pe, ok := snap.Fundamentals["pe_ratio"]; ok {
		if f.PERatioMin != nil && pe < *f.PERatioMin {
			return false
		}
		if f.PERatioMax != nil && pe > *f.PERatioMax {
			return false
		}
	}
	if len(f.Sectors) > 0 {
		found := false
		for _, s := range f.Sectors {
			if s == snap.Sector {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func checkMomentum(snap domain.AssetSnapshot, f *domain.MomentumFilter) bool {
	if f.RateOfChange != nil {
		roc := snap.Indicators["rate_of_change"]
		if roc < 0 {
			roc = -roc
		}
		if roc < *f.RateOfChange {
			return false
		}
	}
	if f.RelativeStrength != nil {
		rs, ok := snap.Indicators["relative_strength"]
		if !ok {
			rs = 50
		}
		if rs < *f.RelativeStrength {
			return false
		}
	}
	return true
}

func checkPattern(snap domain.AssetSnapshot, f *domain.PatternFilter) bool {
	if len(f.PatternTypes) > 0 {
		found := false
		for _, want := range f.PatternTypes {
			for _, p := range snap.Patterns {
				if p.Type == want {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if f.ConfidenceMin != nil {
		best := 0.0
		for _, p := range snap.Patterns {
			if p.Confidence > best {
				best = p.Confidence
			}
		}
		if best < *f.ConfidenceMin {
			return false
		}
	}
	return true
}

// filterCheck pairs a filter name with its evaluation for score accounting.
type filterCheck struct {
	name   string
	active bool
	pass   func(domain.AssetSnapshot) bool
}

// checksFor builds the ordered filter list for a config.
func checksFor(cfg domain.ScannerConfig) []filterCheck {
	return []filterCheck{
		{"price", cfg.PriceFilter != nil, func(s domain.AssetSnapshot) bool { return checkPrice(s, cfg.PriceFilter) }},
		{"volume", cfg.VolumeFilter != nil, func(s domain.AssetSnapshot) bool { return checkVolume(s, cfg.VolumeFilter) }},
		{"technical", cfg.TechnicalFilter != nil, func(s domain.AssetSnapshot) bool { return checkTechnical(s, cfg.TechnicalFilter) }},
		{"fundamental", cfg.FundamentalFilter != nil, func(s domain.AssetSnapshot) bool { return checkFundamental(s, cfg.FundamentalFilter) }},
		{"momentum", cfg.MomentumFilter != nil, func(s domain.AssetSnapshot) bool { return checkMomentum(s, cfg.MomentumFilter) }},
		{"pattern", cfg.PatternFilter != nil, func(s domain.AssetSnapshot) bool { return checkPattern(s, cfg.PatternFilter) }},
		{"custom", cfg.CustomConditions != nil, func(s domain.AssetSnapshot) bool { return EvalGroup(s, *cfg.CustomConditions) }},
	}
}
