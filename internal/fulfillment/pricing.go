package fulfillment

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"orderflow/backend/internal/domain"
)

const moneyScale = 2

var hundred = decimal.NewFromInt(100)

// Pricing carries the caller-dependent inputs of a price computation.
type Pricing struct {
	Wholesale bool
	ApplyTax  bool
	Discount  decimal.Decimal
}

type Totals struct {
	Subtotal   decimal.Decimal
	TaxTotal   decimal.Decimal
	Discount   decimal.Decimal
	GrandTotal decimal.Decimal
}

// NormalizeCart merges repeated products and rejects non-positive quantities.
func NormalizeCart(items []domain.CartItem) ([]domain.CartItem, error) {
	if len(items) == 0 {
		return nil, domain.ValidationErrorf("at least one item is required")
	}

	merged := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			return nil, domain.ValidationErrorf("product_id is required")
		}
		if item.Quantity < 1 {
			return nil, domain.ValidationErrorf("quantity for %s must be at least 1", item.ProductID)
		}
		if _, seen := merged[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		merged[item.ProductID] += item.Quantity
	}

	result := make([]domain.CartItem, 0, len(order))
	for _, id := range order {
		result = append(result, domain.CartItem{ProductID: id, Quantity: merged[id]})
	}
	return result, nil
}

// UnitPrice picks the wholesale price when the buyer qualifies for it.
func UnitPrice(product domain.Product, qty int, wholesale bool) decimal.Decimal {
	if wholesale && product.WholesalePrice != nil && product.WholesalePrice.IsPositive() && qty >= product.WholesaleMinQty {
		return *product.WholesalePrice
	}
	return product.SellingPrice
}

// PriceLines snapshots every cart line against the catalog and computes the order totals.
func PriceLines(products map[string]domain.Product, items []domain.CartItem, pricing Pricing) ([]domain.LineItem, Totals, error) {
	if pricing.Discount.IsNegative() {
		return nil, Totals{}, domain.ValidationErrorf("discount_amount must not be negative")
	}

	lines := make([]domain.LineItem, 0, len(items))
	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok || !product.Active {
			return nil, Totals{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, item.ProductID)
		}

		unit := UnitPrice(product, item.Quantity, pricing.Wholesale)
		lineSubtotal := unit.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(moneyScale)
		tax := decimal.Zero
		if pricing.ApplyTax {
			tax = lineSubtotal.Mul(product.GSTRate).Div(hundred).Round(moneyScale)
		}

		lines = append(lines, domain.LineItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			SKU:         product.SKU,
			Quantity:    item.Quantity,
			UnitPrice:   unit,
			TaxAmount:   tax,
			LineTotal:   lineSubtotal.Add(tax),
			ImageURL:    product.ImageURL,
		})
		subtotal = subtotal.Add(lineSubtotal)
		taxTotal = taxTotal.Add(tax)
	}

	discount := pricing.Discount.Round(moneyScale)
	grand := subtotal.Add(taxTotal).Sub(discount)
	if grand.IsNegative() {
		return nil, Totals{}, domain.ValidationErrorf("discount_amount %s exceeds order value %s", discount.StringFixed(moneyScale), subtotal.Add(taxTotal).StringFixed(moneyScale))
	}

	return lines, Totals{
		Subtotal:   subtotal,
		TaxTotal:   taxTotal,
		Discount:   discount,
		GrandTotal: grand,
	}, nil
}

// ReservationPlan lists per-product quantities in a stable order so concurrent
// reservations lock rows in the same sequence.
func ReservationPlan(lines []domain.LineItem, movement string, note string, actor string) []domain.StockMovement {
	plan := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		plan = append(plan, domain.StockMovement{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Type:      movement,
			Note:      note,
			CreatedBy: actor,
		})
	}
	sort.SliceStable(plan, func(i, j int) bool {
		return plan[i].ProductID < plan[j].ProductID
	})
	return plan
}

func formatMoney(amount decimal.Decimal) string {
	return "₹" + amount.StringFixed(moneyScale)
}
