package routers

import (
	"github.com/gin-gonic/gin"

	"github.com/cocoatrack/GeoParcel/models"
	"github.com/cocoatrack/GeoParcel/services"
	"github.com/cocoatrack/GeoParcel/views"
)

func ImportRouters(r *gin.Engine) error {
	blob, err := services.NewBlobService()
	if err != nil {
		return err
	}
	importService := services.NewImportService(models.DB, blob)
	importController := views.NewImportController(importService)

	importRouter := r.Group("/import")
	{
		importRouter.POST("/Upload", importController.Upload)
		importRouter.POST("/Parse", importController.Parse)
		importRouter.POST("/PreviewAutoCreate", importController.PreviewAutoCreate)
		importRouter.POST("/Apply", importController.Apply)
		importRouter.GET("/List", importController.List)
		importRouter.GET("/Get", importController.Get)
		importRouter.GET("/DownloadURL", importController.DownloadURL)
	}
	return nil
}
