package relay

// healthFromStats classifies a stats snapshot into the ordinal health
// ladder. It is a pure function of the snapshot and the self_is_public
// flag; an all-zero snapshot lands on Red via the final fallthrough. The
// registry gates Unknown separately, before this function is ever
// reached, for the case where no peer has ever been added.
func healthFromStats(s Stats, selfIsPublic bool) Health {
	switch {
	case s.GoodQualityPublic > 0 && (selfIsPublic || s.GoodQualityNonPublic > 0):
		return HealthGreen
	case s.GoodQualityPublic > 0:
		return HealthYellow
	case s.BadQualityPublic > 0:
		return HealthOrange
	default:
		return HealthRed
	}
}
