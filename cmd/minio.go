package cmd

import (
	"context"
	"fmt"
	"log"

	"MeloForge/config"
	"MeloForge/storage"

	"github.com/minio/minio-go/v7"
	"github.com/spf13/cobra"
)

var minioPrefix string

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶检查",
	Long:  `检查MinIO连接并列出存储桶中的媒体文件，可通过 --prefix 按曲目目录过滤。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始连接MinIO服务器...")

		// 加载配置
		cfg := config.Load()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		// 初始化MinIO客户端
		if err := storage.InitMinio(cfg); err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		fmt.Println("MinIO连接成功！")

		client := storage.GetMinioClient()
		ctx := context.Background()

		fmt.Printf("\n列出文件 (前缀: %q)...\n", minioPrefix)
		var count int
		var totalSize int64
		for object := range client.ListObjects(ctx, cfg.MinioBucket, minio.ListObjectsOptions{
			Prefix:    minioPrefix,
			Recursive: true,
		}) {
			if object.Err != nil {
				log.Fatalf("列出文件失败: %v", object.Err)
			}
			fmt.Printf("  %10d  %s\n", object.Size, object.Key)
			count++
			totalSize += object.Size
		}
		fmt.Printf("\n共 %d 个文件，总大小 %d 字节\n", count, totalSize)
	},
}

func init() {
	minioCmd.Flags().StringVar(&minioPrefix, "prefix", "", "对象前缀，例如 tracks/<trackID>/")
	rootCmd.AddCommand(minioCmd)
}
