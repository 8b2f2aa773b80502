package recommend

var (
	authTerms        = []string{"unauthorized", "authentication", "invalid credentials", "login failed", "access denied", "http 401", "http 403", "forbidden"}
	timeoutTerms     = []string{"timeout", "deadline exceeded", "timed out"}
	unreachableTerms = []string{"unreachable", "connection refused", "no such host", "connection reset", "certificate", "tls"}
	serverTerms      = []string{"http 500", "http 502", "http 503", "http 504", "internal server error", "bad gateway", "service unavailable"}
)

// builtinRules are evaluated in order; layer-scoped rules precede the
// layer-agnostic ones at the end.
var builtinRules = []Rule{
	// backend
	{ID: "backend-auth", Layer: "backend", Contains: authTerms,
		Recommendation: "The backend rejected the envelope credentials. Verify client_id, user_name and password for this environment and confirm the partner account is active."},
	{ID: "backend-rate-limit", Layer: "backend", Contains: []string{"rate limit", "too many requests", "http 429", "throttl"},
		Recommendation: "The backend is rate limiting this client. Raise diagnostic.backend_delay and avoid running diagnostics or direct replays concurrently against the same environment."},
	{ID: "backend-timeout", Layer: "backend", Contains: timeoutTerms,
		Recommendation: "The backend did not answer within the call timeout. Check the vendor's service status or raise diagnostic.backend_timeout."},
	{ID: "backend-unreachable", Layer: "backend", Contains: unreachableTerms,
		Recommendation: "The backend endpoint is unreachable from this host. Verify backend.endpoint, DNS and outbound network access."},
	{ID: "backend-server-error", Layer: "backend", Contains: serverTerms,
		Recommendation: "The backend returned a server error. Escalate to the vendor before investigating the upper layers."},
	{ID: "backend-identifier", Layer: "backend", Contains: []string{"invalid guid", "not found", "does not exist", "invalid id"},
		Recommendation: "The backend rejected an identifier used by this test. Verify the default location, provider, appointment type and schedule view identifiers configured for this environment still exist."},
	{ID: "backend-data-shape", Layer: "backend", Contains: []string{"missing field", "expected at least one record"},
		Recommendation: "The backend answered but the data differs from what the test expects. Confirm the procedure still returns the expected fields and that reference data exists in this environment."},

	// middleware
	{ID: "middleware-auth", Layer: "middleware", Contains: authTerms,
		Recommendation: "The middleware rejected the request credentials. Verify middleware.auth_header and middleware.auth_value for this environment."},
	{ID: "middleware-timeout", Layer: "middleware", Contains: timeoutTerms,
		Recommendation: "The middleware workflow timed out. Look up the correlation id in the workflow execution log and check whether it is blocked on the backend."},
	{ID: "middleware-unreachable", Layer: "middleware", Contains: unreachableTerms,
		Recommendation: "The middleware base URL is unreachable. Verify middleware.base_url and that the workflow host is running."},
	{ID: "middleware-not-found", Layer: "middleware", Contains: []string{"http 404", "not registered", "no webhook"},
		Recommendation: "The middleware does not expose this action. Confirm the workflow is active and publishes the action under middleware.base_url."},
	{ID: "middleware-server-error", Layer: "middleware", Contains: serverTerms,
		Recommendation: "The middleware workflow failed while the backend passed. Open the workflow execution for this action and inspect the node that raised the error."},
	{ID: "middleware-data-shape", Layer: "middleware", Contains: []string{"missing field", "expected at least one record", "not json", "success=false", "success: false"},
		Recommendation: "The middleware answered with an unexpected shape. Compare the workflow's response mapping with the backend procedure it wraps."},

	// orchestration
	{ID: "orchestration-auth", Layer: "orchestration", Contains: authTerms,
		Recommendation: "The orchestration endpoint rejected the API key. Verify orchestration.api_key for this environment."},
	{ID: "orchestration-tool-mismatch", Layer: "orchestration", Contains: []string{"tool mismatch"},
		Recommendation: "The agent answered without invoking the expected tool. Review the tools attached to the agent flow and their descriptions."},
	{ID: "orchestration-empty-reply", Layer: "orchestration", Contains: []string{"empty reply"},
		Recommendation: "The agent returned an empty reply. Check the model credentials and the output node of the agent flow."},
	{ID: "orchestration-timeout", Layer: "orchestration", Contains: timeoutTerms,
		Recommendation: "The agent did not answer in time. The lower layers passed, so look for slow or looping tool calls in the agent flow."},
	{ID: "orchestration-unreachable", Layer: "orchestration", Contains: unreachableTerms,
		Recommendation: "The orchestration endpoint is unreachable. Verify orchestration.endpoint and that the flow is deployed."},

	// conversational
	{ID: "conversational-session", Layer: "conversational", Contains: []string{"session"},
		Recommendation: "Conversation state was lost between turns. Verify the chat proxy forwards the session id unchanged to the agent."},
	{ID: "conversational-empty-reply", Layer: "conversational", Contains: []string{"empty reply"},
		Recommendation: "The agent produced an empty turn mid-conversation. Replay the conversation from its capture to find the turn where the reply was lost."},
	{ID: "conversational-timeout", Layer: "conversational", Contains: timeoutTerms,
		Recommendation: "A conversational turn timed out while the single-turn checks passed. Inspect the turn for long tool chains and raise diagnostic.orchestration_timeout if they are expected."},
	{ID: "conversational-unreachable", Layer: "conversational", Contains: unreachableTerms,
		Recommendation: "The chat proxy is unreachable. Verify conversational.endpoint for this environment."},

	// any layer
	{ID: "rate-limit", Contains: []string{"rate limit", "too many requests", "http 429"},
		Recommendation: "A downstream service is rate limiting. Slow the diagnostic cadence and retry."},
	{ID: "transport", Class: "transport",
		Recommendation: "The call never received a response. Check the endpoint URL, network path and call timeout for this layer."},
}
