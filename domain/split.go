package domain

import "github.com/shopspring/decimal"

// AmountScale is the number of fractional digits the ledger settles.
const AmountScale = 7

// OperatorFeePercent is the operator share taken on top of the platform fee.
var OperatorFeePercent = decimal.RequireFromString("0.3")

var hundred = decimal.NewFromInt(100)

// Split is the three-way distribution of a gross amount.
type Split struct {
	ServiceProvider decimal.Decimal `json:"serviceProvider"`
	Platform        decimal.Decimal `json:"platform"`
	Operator        decimal.Decimal `json:"operator"`
}

// Total sums the three shares.
func (s Split) Total() decimal.Decimal {
	return s.ServiceProvider.Add(s.Platform).Add(s.Operator)
}

// ComputeSplit divides gross between the service provider, the platform and
// the operator. Platform and operator shares are rounded to AmountScale and
// the service provider receives the remainder, so the shares always sum to
// gross.
func ComputeSplit(gross, platformFeePercent decimal.Decimal) Split {
	platform := gross.Mul(platformFeePercent).Shift(-2).Round(AmountScale)
	operator := gross.Mul(OperatorFeePercent).Shift(-2).Round(AmountScale)
	return Split{
		ServiceProvider: gross.Sub(platform).Sub(operator),
		Platform:        platform,
		Operator:        operator,
	}
}

// ResolutionPayout is the per-party breakdown of a dispute resolution.
type ResolutionPayout struct {
	Approver        Split `json:"approver"`
	ServiceProvider Split `json:"serviceProvider"`
}

// ComputeResolutionPayout runs each party's allocation through the split
// independently.
func ComputeResolutionPayout(approverFunds, serviceProviderFunds, platformFeePercent decimal.Decimal) ResolutionPayout {
	return ResolutionPayout{
		Approver:        ComputeSplit(approverFunds, platformFeePercent),
		ServiceProvider: ComputeSplit(serviceProviderFunds, platformFeePercent),
	}
}

// ValidateAmount requires a positive amount with at most AmountScale decimals.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Invalidf("%s must be greater than zero", field)
	}
	if !amount.Equal(amount.Round(AmountScale)) {
		return Invalidf("%s supports at most %d decimal places", field, AmountScale)
	}
	return nil
}

// ValidateFeePercent requires 0 <= fee <= 100 with one decimal, leaving room
// for the operator share.
func ValidateFeePercent(fee decimal.Decimal) error {
	if fee.IsNegative() || fee.GreaterThan(hundred) {
		return Invalidf("platform fee percent must be between 0 and 100")
	}
	if !fee.Equal(fee.Round(1)) {
		return Invalidf("platform fee percent supports one decimal place")
	}
	if fee.Add(OperatorFeePercent).GreaterThan(hundred) {
		return Invalidf("platform fee percent plus the %s%% operator fee exceeds 100", OperatorFeePercent)
	}
	return nil
}
