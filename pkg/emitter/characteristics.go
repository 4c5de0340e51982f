package emitter

// Trust bounds shared by every kind.
const (
	MinTrust      = 0
	RequiredTrust = 30
	MaxTrust      = 100
)

// Characteristics are the fixed per-kind tuning values. Distances are meters.
type Characteristics struct {
	ReqdGPSAccuracy    float64 // reference fixes worse than this are not used
	MinimumRange       float64 // smallest believable coverage radius
	TypicalRange       float64 // how far the kind is usually heard
	MoveDetectDistance float64 // a sighting this far away means the emitter moved
	DiscoveryTrust     int
	IncrTrust          int
	DecrTrust          int
	MinCount           int // smallest culled group that may produce a fix
}

var (
	wlanCharacteristics = Characteristics{
		ReqdGPSAccuracy:    20,
		MinimumRange:       50,
		TypicalRange:       150,
		MoveDetectDistance: 1000,
		DiscoveryTrust:     0,
		IncrTrust:          RequiredTrust / 3,
		DecrTrust:          1,
		MinCount:           2,
	}
	mobileCharacteristics = Characteristics{
		ReqdGPSAccuracy:    200,
		MinimumRange:       500,
		TypicalRange:       2000,
		MoveDetectDistance: 100000,
		DiscoveryTrust:     MaxTrust,
		IncrTrust:          MaxTrust,
		DecrTrust:          0,
		MinCount:           1,
	}
	defaultCharacteristics = Characteristics{
		ReqdGPSAccuracy:    2,
		MinimumRange:       50,
		TypicalRange:       50,
		MoveDetectDistance: 100,
		DiscoveryTrust:     0,
		IncrTrust:          0,
		DecrTrust:          1,
		MinCount:           99,
	}
)

// CharacteristicsFor returns the tuning values for k.
func CharacteristicsFor(k Kind) Characteristics {
	switch {
	case k.IsWLAN():
		return wlanCharacteristics
	case k == KindMobile:
		return mobileCharacteristics
	}
	return defaultCharacteristics
}
