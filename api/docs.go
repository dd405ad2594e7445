package api

// @title flowproxy control API
// @version v1.0.0
// @description Inspect and replay flows captured by the intercepting proxy.

// @host localhost:8778
// @BasePath /api
// @schemes http
