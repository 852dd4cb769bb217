package main

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/cocoatrack/GeoParcel/config"
	"github.com/cocoatrack/GeoParcel/models"
	"github.com/cocoatrack/GeoParcel/routers"
)

func main() {
	models.InitDB()

	r := gin.Default()
	r.MaxMultipartMemory = config.MaxUploadBytes

	if err := routers.ImportRouters(r); err != nil {
		log.Fatalf("failed to initialize routes: %v", err)
	}

	if err := r.Run(config.MainRouter); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
