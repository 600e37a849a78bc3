// Package analysis mines association rules between products that sell on
// the same day.
package analysis

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"stockcast/internal/models"
)

// Rule reads "baskets holding Antecedents also hold Consequents".
type Rule struct {
	Antecedents []string `json:"antecedents"`
	Consequents []string `json:"consequents"`
	Support     float64  `json:"support"`
	Confidence  float64  `json:"confidence"`
	Lift        float64  `json:"lift"`
}

type Options struct {
	MinSupport      float64
	RetrySupport    float64
	MinConfidence   float64
	RetryConfidence float64
	MinBaskets      int
	MaxItemsetSize  int
}

// Result records the thresholds that produced Rules. Reason explains an
// empty rule set.
type Result struct {
	Baskets    int     `json:"baskets"`
	Support    float64 `json:"min_support"`
	Confidence float64 `json:"min_confidence"`
	Itemsets   int     `json:"frequent_itemsets"`
	Rules      []Rule  `json:"-"`
	Reason     string  `json:"reason,omitempty"`
}

// Baskets groups sales-out transactions by calendar day. Each basket holds
// the sorted distinct items sold that day. Days with a single item are
// dropped.
func Baskets(txs []models.Transaction) [][]string {
	days := make(map[time.Time]map[string]struct{})
	for _, tx := range txs {
		if tx.Direction != models.SalesOut {
			continue
		}
		d := time.Date(tx.Date.Year(), tx.Date.Month(), tx.Date.Day(), 0, 0, 0, 0, tx.Date.Location())
		if days[d] == nil {
			days[d] = make(map[string]struct{})
		}
		days[d][tx.ItemID] = struct{}{}
	}

	order := make([]time.Time, 0, len(days))
	for d := range days {
		order = append(order, d)
	}
	slices.SortFunc(order, func(a, b time.Time) int { return a.Compare(b) })

	var out [][]string
	for _, d := range order {
		if len(days[d]) < 2 {
			continue
		}
		basket := make([]string, 0, len(days[d]))
		for item := range days[d] {
			basket = append(basket, item)
		}
		slices.Sort(basket)
		out = append(out, basket)
	}
	return out
}

// Mine runs Apriori over baskets. When no itemset reaches MinSupport it
// retries at RetrySupport, and when no rule reaches MinConfidence it retries
// at RetryConfidence. Fewer than MinBaskets baskets yield no rules.
func Mine(baskets [][]string, opts Options) Result {
	res := Result{Baskets: len(baskets), Support: opts.MinSupport, Confidence: opts.MinConfidence}
	if len(baskets) < opts.MinBaskets {
		res.Reason = "too few multi-item baskets"
		return res
	}

	frequent := FrequentItemsets(baskets, opts.MinSupport, opts.MaxItemsetSize)
	if len(frequent) == 0 {
		res.Support = opts.RetrySupport
		frequent = FrequentItemsets(baskets, opts.RetrySupport, opts.MaxItemsetSize)
	}
	res.Itemsets = len(frequent)
	if len(frequent) == 0 {
		res.Reason = "no frequent itemsets"
		return res
	}

	res.Rules = Rules(frequent, opts.MinConfidence)
	if len(res.Rules) == 0 {
		res.Confidence = opts.RetryConfidence
		res.Rules = Rules(frequent, opts.RetryConfidence)
	}
	if len(res.Rules) == 0 {
		res.Reason = "no rule reaches the confidence threshold"
	}
	return res
}

// Itemsets maps an itemset key (see key) to its support.
type Itemsets map[string]float64

// FrequentItemsets returns every itemset of at most maxSize items whose
// support, the share of baskets containing it, is at least minSupport.
func FrequentItemsets(baskets [][]string, minSupport float64, maxSize int) Itemsets {
	n := float64(len(baskets))
	out := make(Itemsets)
	if n == 0 {
		return out
	}

	sets := make([]map[string]struct{}, len(baskets))
	for i, b := range baskets {
		sets[i] = make(map[string]struct{}, len(b))
		for _, item := range b {
			sets[i][item] = struct{}{}
		}
	}

	counts := make(map[string]int)
	for _, b := range sets {
		for item := range b {
			counts[item]++
		}
	}
	var level [][]string
	for item, c := range counts {
		if float64(c)/n >= minSupport {
			level = append(level, []string{item})
			out[key([]string{item})] = float64(c) / n
		}
	}
	slices.SortFunc(level, compareItemsets)

	for size := 2; size <= maxSize && len(level) > 1; size++ {
		var next [][]string
		for _, cand := range candidates(level, out) {
			c := 0
			for _, b := range sets {
				if containsAll(b, cand) {
					c++
				}
			}
			if float64(c)/n >= minSupport {
				next = append(next, cand)
				out[key(cand)] = float64(c) / n
			}
		}
		level = next
	}
	return out
}

// candidates joins sorted itemsets sharing all but their last item and
// keeps the joins whose every subset is frequent.
func candidates(level [][]string, frequent Itemsets) [][]string {
	var out [][]string
	for i := 0; i < len(level); i++ {
		for j := i + 1; j < len(level); j++ {
			a, b := level[i], level[j]
			k := len(a) - 1
			if !slices.Equal(a[:k], b[:k]) {
				break
			}
			cand := append(slices.Clone(a), b[k])
			if allSubsetsFrequent(cand, frequent) {
				out = append(out, cand)
			}
		}
	}
	return out
}

func allSubsetsFrequent(set []string, frequent Itemsets) bool {
	for skip := range set {
		sub := make([]string, 0, len(set)-1)
		sub = append(sub, set[:skip]...)
		sub = append(sub, set[skip+1:]...)
		if _, ok := frequent[key(sub)]; !ok {
			return false
		}
	}
	return true
}

// Rules derives every rule A => C from the frequent itemsets of two or more
// items with confidence at least minConfidence, sorted by lift then
// confidence, strongest first.
func Rules(frequent Itemsets, minConfidence float64) []Rule {
	var out []Rule
	for k, support := range frequent {
		items := split(k)
		if len(items) < 2 {
			continue
		}
		// every non-empty proper subset as antecedent
		for mask := 1; mask < 1<<len(items)-1; mask++ {
			var ante, cons []string
			for i, item := range items {
				if mask&(1<<i) != 0 {
					ante = append(ante, item)
				} else {
					cons = append(cons, item)
				}
			}
			confidence := support / frequent[key(ante)]
			if confidence < minConfidence {
				continue
			}
			out = append(out, Rule{
				Antecedents: ante,
				Consequents: cons,
				Support:     support,
				Confidence:  confidence,
				Lift:        confidence / frequent[key(cons)],
			})
		}
	}

	slices.SortFunc(out, func(a, b Rule) int {
		if c := cmp.Compare(b.Lift, a.Lift); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		if c := compareItemsets(a.Antecedents, b.Antecedents); c != 0 {
			return c
		}
		return compareItemsets(a.Consequents, b.Consequents)
	})
	return out
}

const sep = "\x1f"

func key(items []string) string { return strings.Join(items, sep) }

func split(k string) []string { return strings.Split(k, sep) }

func compareItemsets(a, b []string) int { return slices.Compare(a, b) }

func containsAll(set map[string]struct{}, items []string) bool {
	for _, item := range items {
		if _, ok := set[item]; !ok {
			return false
		}
	}
	return true
}
