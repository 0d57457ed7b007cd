package models

// Rejection and failure categories, stored verbatim in audit rows.
const (
	CategoryPriceRange     = "PRICE_RANGE"
	CategorySpread         = "SPREAD"
	CategoryOrderbookDepth = "ORDERBOOK_DEPTH"
	CategoryOrderbookError = "ORDERBOOK_ERROR"
	CategoryOrderbookEmpty = "ORDERBOOK_EMPTY"
	CategoryMinOrderSize   = "MIN_ORDER_SIZE"
	CategoryRiskControl    = "RISK_CONTROL"
	CategoryCredentials    = "CREDENTIALS"
	CategoryExecution      = "EXECUTION"
	CategoryTokenLookup    = "TOKEN_LOOKUP"
)
