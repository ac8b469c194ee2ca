package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Writer upserts catalog entries by id.
type Writer interface {
	UpsertStore(ctx context.Context, s Store) error
	UpsertProduct(ctx context.Context, p Product) error
	UpsertCustomer(ctx context.Context, c Customer) error
}

// Seed is a catalog snapshot loaded from a JSON document of the form
// {"stores":[...],"products":[...],"customers":[...]}.
type Seed struct {
	Stores    []Store
	Products  []Product
	Customers []Customer
}

// ParseSeed decodes a seed document. Unknown keys are ignored.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "stores":
			return d.Arr(func(d *jx.Decoder) error {
				var st Store
				if err := decodeFields(d, map[string]*string{
					"id": &st.ID, "name": &st.Name, "email": &st.Email,
					"address": &st.Address, "phone": &st.Phone,
				}, nil); err != nil {
					return err
				}
				s.Stores = append(s.Stores, st)
				return nil
			})
		case "products":
			return d.Arr(func(d *jx.Decoder) error {
				var p Product
				if err := decodeFields(d, map[string]*string{
					"id": &p.ID, "storeId": &p.StoreID, "name": &p.Name, "description": &p.Description,
				}, func(d *jx.Decoder, key string) (bool, error) {
					switch key {
					case "price":
						n, err := d.Num()
						if err != nil {
							return true, err
						}
						p.Price, err = decimal.NewFromString(n.String())
						return true, err
					case "validityDays":
						v, err := d.Int()
						p.ValidityDays = v
						return true, err
					}
					return false, nil
				}); err != nil {
					return err
				}
				s.Products = append(s.Products, p)
				return nil
			})
		case "customers":
			return d.Arr(func(d *jx.Decoder) error {
				var c Customer
				if err := decodeFields(d, map[string]*string{
					"id": &c.ID, "name": &c.Name, "email": &c.Email,
				}, nil); err != nil {
					return err
				}
				s.Customers = append(s.Customers, c)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode catalog seed")
	}
	return &s, nil
}

// decodeFields reads an object into string fields, offering other keys to
// extra first.
func decodeFields(d *jx.Decoder, fields map[string]*string, extra func(d *jx.Decoder, key string) (bool, error)) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		if extra != nil {
			handled, err := extra(d, key)
			if handled || err != nil {
				return err
			}
		}
		dst, ok := fields[key]
		if !ok {
			return d.Skip()
		}
		v, err := d.Str()
		*dst = v
		return err
	})
}

// Apply upserts stores first, then products, then customers.
func (s *Seed) Apply(ctx context.Context, w Writer) error {
	for _, st := range s.Stores {
		if err := w.UpsertStore(ctx, st); err != nil {
			return errors.Wrapf(err, "upsert store %s", st.ID)
		}
	}
	for _, p := range s.Products {
		if err := w.UpsertProduct(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
	}
	for _, c := range s.Customers {
		if err := w.UpsertCustomer(ctx, c); err != nil {
			return errors.Wrapf(err, "upsert customer %s", c.ID)
		}
	}
	return nil
}
