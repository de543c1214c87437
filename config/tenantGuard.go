package config

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/costing_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin scopes every query, update and delete to the request's
// business_id. All costing tables (cost layers, allocation ledger, guards,
// bundles, outbox) carry that column; the workflow layer also filters
// explicitly, so the plugin is the backstop against a handler that forgets.
//
// NOTE:
// - Raw SQL is not covered; raw statements must filter business_id themselves.
// - The outbox dispatcher and token-authorized admin ops bypass via context
//   flags (see utils.SetSkipTenantScopeInContext / SetIsAdminInContext).
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", scopeToTenant); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", scopeToTenant); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", scopeToTenant); err != nil {
		return err
	}
	return db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", scopeToTenant)
}

func scopeToTenant(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return
	}
	ctx := db.Statement.Context
	if tenantBypassRequested(ctx) {
		return
	}
	businessId := tenantFromContext(ctx)
	if businessId == "" {
		return
	}
	// Tables without a business_id column (none today) are left alone.
	if db.Statement.Schema == nil || db.Statement.Schema.LookUpField("business_id") == nil {
		return
	}
	// An explicit tenant filter wins; never stack a second one.
	if hasTenantFilter(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "business_id"},
				Value:  businessId,
			},
		},
	})
}

func tenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyBusinessId).(string); ok {
		return v
	}
	return ""
}

func tenantBypassRequested(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyIsAdmin).(bool); ok && v {
		return true
	}
	return false
}

func hasTenantFilter(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprTouchesTenant(e) {
			return true
		}
	}
	return false
}

func exprTouchesTenant(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return columnIsTenant(v.Column)
	case clause.Neq:
		return columnIsTenant(v.Column)
	case clause.Gt:
		return columnIsTenant(v.Column)
	case clause.Gte:
		return columnIsTenant(v.Column)
	case clause.Lt:
		return columnIsTenant(v.Column)
	case clause.Lte:
		return columnIsTenant(v.Column)
	case clause.IN:
		return columnIsTenant(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprTouchesTenant(x) {
				return true
			}
		}
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprTouchesTenant(x) {
				return true
			}
		}
	case clause.Expr:
		// Best-effort for string conditions like "business_id = ?".
		return strings.Contains(strings.ToLower(v.SQL), "business_id")
	}
	return false
}

func columnIsTenant(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "business_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "business_id")
	}
	return false
}
