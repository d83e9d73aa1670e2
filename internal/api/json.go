package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// readBody decodes a JSON object from the size-limited request body, calling
// field for every key.
func readBody(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return badRequest(errors.Wrap(err, "read body"))
	}
	if err := jx.DecodeBytes(body).Obj(field); err != nil {
		return badRequest(errors.Wrap(err, "decode body"))
	}
	return nil
}

func encodeStrings(e *jx.Encoder, values []string) {
	e.Arr(func(e *jx.Encoder) {
		for _, v := range values {
			e.Str(v)
		}
	})
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

// encodePrice renders minor units together with the fixed-point amount.
func encodePrice(e *jx.Encoder, minor int64) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("minor", func(e *jx.Encoder) { e.Int64(minor) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(decimal.New(minor, -2).StringFixed(2)) })
	})
}

// decodePrice accepts a major-unit amount as a JSON number or string and
// returns it in minor units.
func decodePrice(d *jx.Decoder) (int64, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return 0, err
		}
		raw = n.String()
	default:
		return 0, errors.Errorf("price must be a number or string, got %s", d.Next())
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse price %q", raw)
	}
	return product.MinorUnits(amount)
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
		e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
		e.Field("category", func(e *jx.Encoder) { e.Str(p.Category) })
		e.Field("price", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("czk", func(e *jx.Encoder) { encodePrice(e, p.PriceCZK) })
				e.Field("eur", func(e *jx.Encoder) { encodePrice(e, p.PriceEUR) })
			})
		})
		e.Field("stock", func(e *jx.Encoder) { e.Int64(p.Stock) })
		e.Field("created_at", func(e *jx.Encoder) { encodeTime(e, p.CreatedAt) })
		e.Field("updated_at", func(e *jx.Encoder) { encodeTime(e, p.UpdatedAt) })
	})
}

func decodeProduct(w http.ResponseWriter, r *http.Request) (product.Product, error) {
	var (
		p        product.Product
		priceErr error
	)
	err := readBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "description":
			p.Description, err = d.Str()
		case "category":
			p.Category, err = d.Str()
		case "price_czk":
			p.PriceCZK, err = decodePrice(d)
		case "price_eur":
			p.PriceEUR, err = decodePrice(d)
		case "stock":
			p.Stock, err = d.Int64()
		default:
			err = d.Skip()
		}
		if errors.Is(err, product.ErrInvalidProduct) {
			priceErr = errors.Wrap(err, key)
		}
		return errors.Wrap(err, key)
	})
	// A well-formed but unacceptable price is a validation failure, not a
	// malformed body.
	if priceErr != nil {
		return p, priceErr
	}
	return p, err
}

func encodeOrder(e *jx.Encoder, o order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("owner_id", func(e *jx.Encoder) { e.Str(o.OwnerID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range o.Lines {
					e.Obj(func(e *jx.Encoder) {
						e.Field("product_id", func(e *jx.Encoder) { e.Str(l.ProductID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int64(l.Quantity) })
					})
				}
			})
		})
		e.Field("created_at", func(e *jx.Encoder) { encodeTime(e, o.CreatedAt) })
		e.Field("updated_at", func(e *jx.Encoder) { encodeTime(e, o.UpdatedAt) })
	})
}

func decodeLines(w http.ResponseWriter, r *http.Request) ([]order.Line, error) {
	var lines []order.Line
	err := readBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "lines" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var l order.Line
			if err := d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "product_id":
					l.ProductID, err = d.Str()
				case "quantity":
					l.Quantity, err = d.Int64()
				default:
					err = d.Skip()
				}
				return errors.Wrap(err, key)
			}); err != nil {
				return err
			}
			lines = append(lines, l)
			return nil
		})
	})
	return lines, err
}

func decodeStatus(w http.ResponseWriter, r *http.Request) (order.Status, error) {
	var status string
	err := readBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		status, err = d.Str()
		return err
	})
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", badRequest(errors.New("status required"))
	}
	return order.Status(status), nil
}
