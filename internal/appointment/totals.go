package appointment

// VATPercent is applied on top of the service and parts subtotal.
const VATPercent = 10

func Subtotal(services []LineItem, parts []PartItem) int64 {
	var sum int64
	for _, s := range services {
		sum += int64(s.Quantity) * s.UnitPrice
	}
	for _, p := range parts {
		sum += int64(p.Quantity) * p.UnitPrice
	}
	return sum
}

// Total is the subtotal plus VAT, rounded half-up to the smallest unit.
func Total(services []LineItem, parts []PartItem) int64 {
	sub := Subtotal(services, parts)
	return sub + (sub*VATPercent+50)/100
}

// Recalculate derives TotalAmount from the line items.
func (a *Appointment) Recalculate() {
	a.TotalAmount = Total(a.Services, a.Parts)
}
