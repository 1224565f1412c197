package main

//go:generate swag init -g cmd/fastintercom/main.go -o docs

// @title           fastintercom API
// @version         0.1.0
// @description     Local Intercom conversation mirror: search, metrics and sync control.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
