// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("node.name", "syncbrain")
	viper.SetDefault("node.role", RoleCombined)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", true)
	viper.SetDefault("logging.file_output.path", "logs/syncbrain.log")
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("drive.imagepath", "/backing/blink.img")
	viper.SetDefault("drive.capacitymb", 0)
	viper.SetDefault("drive.mountpoint", "/mnt/blink")
	viper.SetDefault("drive.mountoptions", "uid=0,gid=0,umask=022")
	viper.SetDefault("drive.busypolicy", BusyPolicyQueue)
	viper.SetDefault("drive.switchtimeout", 2*time.Minute)
	viper.SetDefault("drive.quiescencetimeout", 30*time.Second)
	viper.SetDefault("drive.retry.maxretries", 3)
	viper.SetDefault("drive.retry.initialdelay", 500*time.Millisecond)
	viper.SetDefault("drive.retry.maxdelay", 10*time.Second)
	viper.SetDefault("drive.retry.multiplier", 2.0)
	viper.SetDefault("drive.gadget.configfsroot", "/sys/kernel/config/usb_gadget")
	viper.SetDefault("drive.gadget.name", "blinksync")
	viper.SetDefault("drive.gadget.udc", "")
	viper.SetDefault("drive.gadget.vendorid", "0x1d6b")
	viper.SetDefault("drive.gadget.productid", "0x0104")
	viper.SetDefault("drive.gadget.manufacturer", "syncbrain")
	viper.SetDefault("drive.gadget.product", "Blink Storage")
	viper.SetDefault("drive.gadget.serialnumber", "0123456789")
	viper.SetDefault("drive.gadget.removable", true)
	viper.SetDefault("drive.gadget.readonly", false)
	viper.SetDefault("drive.gadget.nofua", true)

	viper.SetDefault("transfer.source", SourceLocal)
	viper.SetDefault("transfer.localdir", "clips/")
	viper.SetDefault("transfer.extensions", []string{".mp4"})
	viper.SetDefault("transfer.verify", VerifySHA256)
	viper.SetDefault("transfer.deletesource", true)
	viper.SetDefault("transfer.knownkeyttl", 24*time.Hour)
	viper.SetDefault("transfer.retry.maxretries", 2)
	viper.SetDefault("transfer.retry.initialdelay", time.Second)
	viper.SetDefault("transfer.retry.maxdelay", 10*time.Second)
	viper.SetDefault("transfer.retry.multiplier", 2.0)
	viper.SetDefault("transfer.sftp.port", 22)
	viper.SetDefault("transfer.sftp.remotedir", "/mnt/blink")
	viper.SetDefault("transfer.sftp.timeout", 30*time.Second)

	viper.SetDefault("processing.stride", 5)
	viper.SetDefault("processing.concurrency", 2)
	viper.SetDefault("processing.cliptimeout", 300*time.Second)
	viper.SetDefault("processing.maxattempts", 3)
	viper.SetDefault("processing.retrydelay", 30*time.Second)
	viper.SetDefault("processing.queuesize", 0)
	viper.SetDefault("processing.backend", BackendOpenCV)
	viper.SetDefault("processing.opencv.detectormodel", "models/res10_300x300_ssd_iter_140000.caffemodel")
	viper.SetDefault("processing.opencv.detectorconfig", "models/deploy.prototxt")
	viper.SetDefault("processing.opencv.embeddermodel", "models/openface.nn4.small2.v1.t7")
	viper.SetDefault("processing.opencv.detectionconfidence", 0.5)
	viper.SetDefault("processing.tflite.modelpath", "models/facenet.tflite")
	viper.SetDefault("processing.tflite.threads", 0)
	viper.SetDefault("processing.tflite.usexnnpack", true)
	viper.SetDefault("processing.tflite.inputsize", 160)

	viper.SetDefault("recognition.gallerypath", "gallery.yaml")
	viper.SetDefault("recognition.threshold", 0.6)
	viper.SetDefault("recognition.tieepsilon", 1e-6)
	viper.SetDefault("recognition.minfacesize", 20)

	viper.SetDefault("retention.enabled", true)
	viper.SetDefault("retention.maxage", "30d")
	viper.SetDefault("retention.maxusage", "80%")
	viper.SetDefault("retention.minclips", 10)
	viper.SetDefault("retention.dryrun", false)
	viper.SetDefault("retention.interval", 15*time.Minute)

	viper.SetDefault("catalog.type", CatalogSQLite)
	viper.SetDefault("catalog.debug", false)
	viper.SetDefault("catalog.sqlite.path", "syncbrain.db")
	viper.SetDefault("catalog.mysql.host", "localhost")
	viper.SetDefault("catalog.mysql.port", 3306)
	viper.SetDefault("catalog.mysql.database", "syncbrain")

	viper.SetDefault("sync.interval", 10*time.Minute)
	viper.SetDefault("sync.window", 2*time.Minute)
	viper.SetDefault("sync.peerurl", "")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "syncbrain")
	viper.SetDefault("mqtt.clientid", "syncbrain")
	viper.SetDefault("mqtt.retain", true)
	viper.SetDefault("mqtt.statusinterval", time.Minute)

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", ":8090")
	viper.SetDefault("api.ratelimit", 1.0)
	viper.SetDefault("api.burst", 5)

	viper.SetDefault("status.transitionhistory", 20)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.debug", false)
}
