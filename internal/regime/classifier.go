package regime

// Indicators are the six inputs to the classification rules.
type Indicators struct {
	BTCADX4h    float64
	BTCATRPct4h float64
	BreadthUp1h float64
	Dispersion  float64
	Top5Share   float64
	Whipsaw5m   float64
}

// Classification is one labeled regime with its confidence.
type Classification struct {
	RegimeID   int
	Label      string
	Confidence float64
}

// Classify evaluates the ordered rules; the first match wins.
func Classify(ind Indicators) Classification {
	if ind.BTCATRPct4h > 5.0 && ind.BreadthUp1h < 0.3 {
		return Classification{RegimeID: 3, Label: "PANIC", Confidence: 0.80}
	}
	if ind.Whipsaw5m > 0.6 && ind.BTCADX4h < 20 {
		return Classification{RegimeID: 2, Label: "CHOP", Confidence: 0.70}
	}
	if ind.BTCADX4h > 25 && ind.Whipsaw5m < 0.3 {
		conf := 0.65
		if ind.BreadthUp1h > 0.6 {
			conf = 0.75
		}
		return Classification{RegimeID: 1, Label: "TREND", Confidence: conf}
	}
	if ind.Dispersion > 0.05 && ind.Top5Share < 0.4 {
		return Classification{RegimeID: 4, Label: "BREAKOUT_ROTATION", Confidence: 0.70}
	}

	conf := 0.60
	if ind.BTCADX4h < 20 && ind.Whipsaw5m < 0.5 {
		conf = 0.70
	}
	return Classification{RegimeID: 0, Label: "RANGE", Confidence: conf}
}
