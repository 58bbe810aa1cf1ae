package platforms

import "github.com/aluiziolira/go-catalog-crawler/source"

// RegisterAll adds every built-in adapter to reg.
func RegisterAll(reg *source.Registry) error {
	factories := []struct {
		name    string
		factory source.Factory
	}{
		{tataCliqName, NewTataCliq},
		{nykaaName, NewNykaaFashion},
		{westsideName, NewWestside},
		{virgioName, NewVirgio},
		{inMyPrimeName, NewInMyPrime},
	}
	for _, f := range factories {
		if err := reg.Register(f.name, f.factory); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in adapters.
func NewRegistry() *source.Registry {
	reg := source.NewRegistry()
	if err := RegisterAll(reg); err != nil {
		panic(err)
	}
	return reg
}
