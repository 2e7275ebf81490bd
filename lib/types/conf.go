package types

// ConfSettings carries the confirmation requirements negotiated for both
// sides of a trade: number of confirmations plus the optional notarization
// finality signal, per coin.
type ConfSettings struct {
	_ struct{} `cbor:",toarray"`

	BaseConfs uint64
	BaseNota  bool
	RelConfs  uint64
	RelNota   bool
}

// Flip returns the settings as seen from the opposite orientation of the
// pair.
func (c ConfSettings) Flip() ConfSettings {
	return ConfSettings{
		BaseConfs: c.RelConfs,
		BaseNota:  c.RelNota,
		RelConfs:  c.BaseConfs,
		RelNota:   c.BaseNota,
	}
}
