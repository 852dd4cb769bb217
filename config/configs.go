package config

import (
	"encoding/xml"
	"fmt"
	"os"
)

var MainRouter string
var DSN string
var Download string
var StorageDriver string
var StorageBucket string
var StorageEndpoint string
var StorageRegion string
var MaxUploadBytes int64
var MaxFeatureCount int
var MainConfig Config

type Config struct {
	XMLName         xml.Name `xml:"config"`
	MainRouter      string   `xml:"MainRouter"`
	Dbname          string   `xml:"dbname"`
	Host            string   `xml:"host"`
	Port            string   `xml:"port"`
	Username        string   `xml:"user"`
	Password        string   `xml:"password"`
	Download        string   `xml:"download"`
	StorageDriver   string   `xml:"StorageDriver"`
	StorageBucket   string   `xml:"StorageBucket"`
	StorageEndpoint string   `xml:"StorageEndpoint"`
	StorageRegion   string   `xml:"StorageRegion"`
	MaxUploadMB     int64    `xml:"MaxUploadMB"`
	MaxFeatureCount int      `xml:"MaxFeatureCount"`
}

func init() {

	xmlFile, err := os.Open("config.xml")
	if err != nil {
		fmt.Println("Error  opening  file:", err)
		applyDefaults()
		return
	}
	defer xmlFile.Close()

	xmlDecoder := xml.NewDecoder(xmlFile)
	err = xmlDecoder.Decode(&MainConfig)
	if err != nil {
		fmt.Println("Error  decoding  XML:", err)
	}
	applyDefaults()
}

func applyDefaults() {
	if MainConfig.MainRouter == "" {
		MainConfig.MainRouter = ":8080"
	}
	if MainConfig.StorageDriver == "" {
		MainConfig.StorageDriver = "fs"
	}
	if MainConfig.Download == "" {
		MainConfig.Download = "./Upload"
	}
	if MainConfig.MaxUploadMB == 0 {
		MainConfig.MaxUploadMB = 50
	}
	if MainConfig.MaxFeatureCount == 0 {
		MainConfig.MaxFeatureCount = 1000
	}

	MainRouter = MainConfig.MainRouter
	Download = MainConfig.Download
	StorageDriver = MainConfig.StorageDriver
	StorageBucket = MainConfig.StorageBucket
	StorageEndpoint = MainConfig.StorageEndpoint
	StorageRegion = MainConfig.StorageRegion
	MaxUploadBytes = MainConfig.MaxUploadMB * 1024 * 1024
	MaxFeatureCount = MainConfig.MaxFeatureCount

	DSN = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC", MainConfig.Host, MainConfig.Username, MainConfig.Password, MainConfig.Dbname, MainConfig.Port)
}
