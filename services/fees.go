package services

// NetAfterFee deducts the proportional house fee from one deposit,
// floor-rounded. The pot is the sum of both deposits after this deduction;
// a refunded creator gets the same fee-adjusted amount back.
func NetAfterFee(lamports, feeBps int64) int64 {
	return lamports * (10_000 - feeBps) / 10_000
}
