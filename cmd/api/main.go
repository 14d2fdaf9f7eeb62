package main

import (
	"log"
	"net/http"

	"gradeflow/internal/api"
	"gradeflow/internal/config"
	"gradeflow/internal/util"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	logger := util.NewLogger(cfg.LogLevel)
	h, err := api.NewServer(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("gradeflow api listening on %s llm_providers=%q access_gate=%t", cfg.APIAddr, cfg.LLMProviders, cfg.AccessPassword != "")
	if err := http.ListenAndServe(cfg.APIAddr, h.Routes()); err != nil {
		log.Fatal(err)
	}
}
