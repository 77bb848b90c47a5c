// Copyright 2026 The Chainarchive Authors
// This file is part of Chainarchive.
//
// Chainarchive is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainarchive is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainarchive. If not, see <http://www.gnu.org/licenses/>.

package query

import (
	"sort"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/table"
)

// FieldPredicate is one column predicate; an empty In means "no filter on
// this field". A non-empty ScopeField makes the predicate demand
// ScopeField == ScopeValue in addition to the In membership — the trace
// requests need this because createFrom and callFrom both land on the
// "from" column but each implies its own trace variant (createFrom
// compiles to `type == 'create' AND from IN (...)`).
type FieldPredicate struct {
	Field string
	In    []string

	ScopeField string
	ScopeValue string
}

// Matches reports whether v satisfies the predicate.
func (p FieldPredicate) Matches(v string) bool {
	if len(p.In) == 0 {
		return true
	}
	for _, want := range p.In {
		if want == v {
			return true
		}
	}
	return false
}

// Conjunction is an AND of field predicates, one per request object; a
// Disjunction of Conjunctions (a []Conjunction) is the OR across repeated
// request objects of the same item type: the union across multiple
// request objects is a disjunction of conjunctions.
type Conjunction []FieldPredicate

// Matches reports whether row (field name -> stringified value) satisfies
// every predicate in the conjunction. An empty In never constrains; a
// non-empty scoped predicate additionally requires its scope equality.
func (c Conjunction) Matches(row map[string]string) bool {
	for _, p := range c {
		if len(p.In) == 0 {
			continue
		}
		if p.ScopeField != "" && row[p.ScopeField] != p.ScopeValue {
			return false
		}
		if !p.Matches(row[p.Field]) {
			return false
		}
	}
	return true
}

// RelationKind tags a Source as a direct scan or one of the three relation
// kinds, a sum type over values rather than a class hierarchy.
type RelationKind int

const (
	SourceDirectScan RelationKind = iota
	SourceRefRel
	SourceJoinRel
	SourceSubRel
	SourceSuperRel
)

// Source is one way rows reach an item's selection.
type Source struct {
	Kind RelationKind
	// FromItem names the item whose selection drives this source, for
	// SourceRefRel and SourceJoinRel.
	FromItem string
	// JoinKey names the join a SourceRefRel or SourceJoinRel follows; Compile
	// always sets "tx_hash". The executor does not read it: it resolves each
	// side's column through its per-item joinColumn map (transactions use
	// "hash").
	JoinKey string
	// PrefixColumn is the dot-joined path column a SourceSubRel/SourceSuperRel
	// expands by prefix (e.g. "trace_address"): SourceSubRel pulls in rows
	// whose value is a descendant of a selected row's; SourceSuperRel pulls
	// in rows whose value is an ancestor of a selected row's.
	PrefixColumn string
}

// FieldSel is one selected output field: its JSON name on the wire plus
// the physical columns backing it (a single column for most fields; the
// logs item's "topics" spans four).
type FieldSel struct {
	Name    string
	Columns []string
}

// ItemPlan is one compiled output item: its table, its pushdown filter
// (nil/empty means "select everything"), and the sources contributing rows
// to its selection.
type ItemPlan struct {
	Name      string
	Table     string
	Schema    table.Schema
	Requested bool
	Filter    []Conjunction // disjunction of conjunctions; empty means match-all
	Sources   []Source
	Fields    []FieldSel // projection: forced key fields ∪ requested fields
}

// Plan is a compiled query: one ItemPlan per EVM item type plus the
// special blocks item.
type Plan struct {
	Query   *ArchiveQuery
	Schemas map[string]table.Schema
	Items   map[string]*ItemPlan
}

// Compile builds a Plan from q against the EVM Model.
func Compile(q *ArchiveQuery) (*Plan, error) {
	schemas := EVMSchemas()
	p := &Plan{Query: q, Schemas: schemas, Items: map[string]*ItemPlan{}}

	blockFields, err := selectFields("block", schemas["blocks"], q.Fields["block"], []string{"number"})
	if err != nil {
		return nil, err
	}
	p.Items["blocks"] = &ItemPlan{Name: "blocks", Table: "blocks", Schema: schemas["blocks"], Requested: true,
		Fields: blockFields}

	logFields, err := selectFields("log", schemas["logs"], q.Fields["log"], []string{"logIndex", "transactionHash"})
	if err != nil {
		return nil, err
	}
	logsPlan := &ItemPlan{Name: "logs", Table: "logs", Schema: schemas["logs"], Requested: len(q.Logs) > 0,
		Fields: logFields}
	for _, r := range q.Logs {
		logsPlan.Filter = append(logsPlan.Filter, Conjunction{
			{Field: "address", In: lower(r.Address)},
			{Field: "topic0", In: lower(r.Topic0)},
			{Field: "topic1", In: lower(r.Topic1)},
			{Field: "topic2", In: lower(r.Topic2)},
			{Field: "topic3", In: lower(r.Topic3)},
		})
	}
	if logsPlan.Requested {
		logsPlan.Sources = append(logsPlan.Sources, Source{Kind: SourceDirectScan})
	}
	p.Items["logs"] = logsPlan

	txFields, err := selectFields("transaction", schemas["transactions"], q.Fields["transaction"], []string{"transactionIndex", "hash"})
	if err != nil {
		return nil, err
	}
	txPlan := &ItemPlan{Name: "transactions", Table: "transactions", Schema: schemas["transactions"],
		Requested: len(q.Transactions) > 0,
		Fields:    txFields}
	for _, r := range q.Transactions {
		txPlan.Filter = append(txPlan.Filter, Conjunction{
			{Field: "from", In: lower(r.From)},
			{Field: "to", In: lower(r.To)},
			{Field: "sighash", In: lower(r.Sighash)},
		})
	}
	if txPlan.Requested {
		txPlan.Sources = append(txPlan.Sources, Source{Kind: SourceDirectScan})
	}
	p.Items["transactions"] = txPlan

	traceFields, err := selectFields("trace", schemas["traces"], q.Fields["trace"], []string{"transactionHash", "traceAddress", "type"})
	if err != nil {
		return nil, err
	}
	tracesPlan := &ItemPlan{Name: "traces", Table: "traces", Schema: schemas["traces"],
		Requested: len(q.Traces) > 0,
		Fields:    traceFields}
	for _, r := range q.Traces {
		tracesPlan.Filter = append(tracesPlan.Filter, Conjunction{
			{Field: "type", In: r.Type},
			{Field: "from", In: lower(r.CreateFrom), ScopeField: "type", ScopeValue: "create"},
			{Field: "from", In: lower(r.CallFrom), ScopeField: "type", ScopeValue: "call"},
			{Field: "to", In: lower(r.CallTo), ScopeField: "type", ScopeValue: "call"},
			{Field: "sighash", In: lower(r.CallSighash), ScopeField: "type", ScopeValue: "call"},
			{Field: "refund_address", In: lower(r.SuicideRefundAddress), ScopeField: "type", ScopeValue: "suicide"},
			{Field: "author", In: lower(r.RewardAuthor), ScopeField: "type", ScopeValue: "reward"},
		})
		if r.Subtraces {
			tracesPlan.Sources = append(tracesPlan.Sources, Source{Kind: SourceSubRel, FromItem: "traces", PrefixColumn: "trace_address"})
		}
		if r.Parents {
			tracesPlan.Sources = append(tracesPlan.Sources, Source{Kind: SourceSuperRel, FromItem: "traces", PrefixColumn: "trace_address"})
		}
	}
	if tracesPlan.Requested {
		tracesPlan.Sources = append(tracesPlan.Sources, Source{Kind: SourceDirectScan})
	}
	p.Items["traces"] = tracesPlan

	sdFields, err := selectFields("stateDiff", schemas["statediffs"], q.Fields["stateDiff"], []string{"transactionHash", "address", "key"})
	if err != nil {
		return nil, err
	}
	sdPlan := &ItemPlan{Name: "stateDiffs", Table: "statediffs", Schema: schemas["statediffs"],
		Requested: len(q.StateDiffs) > 0,
		Fields:    sdFields}
	for _, r := range q.StateDiffs {
		sdPlan.Filter = append(sdPlan.Filter, Conjunction{
			{Field: "address", In: lower(r.Address)},
			{Field: "key", In: lower(r.Key)},
			{Field: "kind", In: r.Kind},
		})
	}
	if sdPlan.Requested {
		sdPlan.Sources = append(sdPlan.Sources, Source{Kind: SourceDirectScan})
	}
	p.Items["stateDiffs"] = sdPlan

	// RefRel/JoinRel wiring: logs.transaction=true pulls in the parent tx;
	// transactions.logs pulls in every log of the selected tx via a join
	// on tx_hash.
	for _, r := range q.Logs {
		if r.Transaction {
			txPlan.Sources = append(txPlan.Sources, Source{Kind: SourceRefRel, FromItem: "logs", JoinKey: "tx_hash"})
			txPlan.Requested = true
		}
		if r.TransactionTraces {
			tracesPlan.Sources = append(tracesPlan.Sources, Source{Kind: SourceJoinRel, FromItem: "logs", JoinKey: "tx_hash"})
			tracesPlan.Requested = true
		}
		if r.TransactionLogs {
			logsPlan.Sources = append(logsPlan.Sources, Source{Kind: SourceJoinRel, FromItem: "logs", JoinKey: "tx_hash"})
		}
	}
	for _, r := range q.Transactions {
		if r.Logs {
			logsPlan.Sources = append(logsPlan.Sources, Source{Kind: SourceJoinRel, FromItem: "transactions", JoinKey: "tx_hash"})
			logsPlan.Requested = true
		}
		if r.Traces {
			tracesPlan.Sources = append(tracesPlan.Sources, Source{Kind: SourceJoinRel, FromItem: "transactions", JoinKey: "tx_hash"})
			tracesPlan.Requested = true
		}
		if r.StateDiffs {
			sdPlan.Sources = append(sdPlan.Sources, Source{Kind: SourceJoinRel, FromItem: "transactions", JoinKey: "tx_hash"})
			sdPlan.Requested = true
		}
	}
	for _, r := range q.Traces {
		if r.Transaction {
			txPlan.Sources = append(txPlan.Sources, Source{Kind: SourceRefRel, FromItem: "traces", JoinKey: "tx_hash"})
			txPlan.Requested = true
		}
	}
	for _, r := range q.StateDiffs {
		if r.Transaction {
			txPlan.Sources = append(txPlan.Sources, Source{Kind: SourceRefRel, FromItem: "stateDiffs", JoinKey: "tx_hash"})
			txPlan.Requested = true
		}
	}

	return p, nil
}

func hasColumn(schema table.Schema, name string) bool {
	for _, c := range schema.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// selectFields resolves the forced key fields plus every requested field of
// one entity against its schema, translating a field the schema cannot back
// into a "field X is not available" error at compile time rather than
// letting it surface as a columnar read failure. Requested fields are
// appended in sorted order so a plan's projection is deterministic.
func selectFields(entity string, schema table.Schema, requested map[string]bool, forced []string) ([]FieldSel, error) {
	out := make([]FieldSel, 0, len(forced)+len(requested))
	seen := make(map[string]bool, len(forced)+len(requested))
	add := func(field string) error {
		if seen[field] {
			return nil
		}
		cols, ok := fieldColumns(entity, field, schema)
		if !ok {
			return archiveerr.FieldNotAvailable(entity, field)
		}
		seen[field] = true
		out = append(out, FieldSel{Name: field, Columns: cols})
		return nil
	}
	for _, f := range forced {
		if err := add(f); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(requested))
	for f, want := range requested {
		if want {
			names = append(names, f)
		}
	}
	sort.Strings(names)
	for _, f := range names {
		if err := add(f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func lower(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = normalizeHex(s)
	}
	return out
}

// normalizeHex lower-cases a hex-ish string so address/topic filters are
// case-insensitive, matching how an RPC source may checksum-case an
// address while the archive stores it lower-cased.
func normalizeHex(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

