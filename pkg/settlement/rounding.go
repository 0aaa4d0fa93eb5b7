package settlement

// Split divides amountCents at pct percent. The released side is rounded
// down to the cent and the refunded side takes the remainder, so
// released+refunded always equals amountCents.
func Split(amountCents int64, pct int) (released, refunded int64) {
	if pct <= 0 {
		return 0, amountCents
	}
	if pct >= 100 {
		return amountCents, 0
	}
	released = mulDiv(amountCents, int64(pct), 100)
	return released, amountCents - released
}

// Fee is the platform fee in cents taken from the released side, rounded down.
func Fee(releasedCents int64, feeBps int) int64 {
	if feeBps <= 0 || releasedCents <= 0 {
		return 0
	}
	return mulDiv(releasedCents, int64(feeBps), 10000)
}

// mulDiv computes a*num/den truncated toward zero without forming a*num,
// for 0 <= num <= den.
func mulDiv(a, num, den int64) int64 {
	return (a/den)*num + (a%den)*num/den
}
