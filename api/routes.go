package api

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint = "/ping" // Health check endpoint

	// Deal endpoints
	DealURLParam        = "dealId"                              // URL parameter for deal ID
	DealsEndpoint       = "/deals"                              // POST: Create a deal
	DealStatusEndpoint  = DealsEndpoint + "/{" + DealURLParam + "}" // GET: Deal status
	DealDetailsEndpoint = DealsEndpoint + "/details"            // POST: Fill party details
	DealCancelEndpoint  = DealsEndpoint + "/cancel"             // POST: Cancel a deal
)

// LogExcludedPrefixes defines URL prefixes to exclude from request logging
var LogExcludedPrefixes = []string{
	PingEndpoint,
}
