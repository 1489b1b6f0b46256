package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/cluster"
	"sudooom.im.sync/internal/config"
	"sudooom.im.sync/internal/model"
)

var (
	tokenUser     string
	tokenDevice   string
	tokenPlatform string

	profileUser   string
	profileName   string
	profileAvatar string
	profileStatus string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID")
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "", "Device ID bound to the token (optional)")
	tokenCmd.Flags().StringVar(&tokenPlatform, "platform", "", "Device platform (optional)")
	_ = tokenCmd.MarkFlagRequired("user")

	profileCmd.Flags().StringVar(&profileUser, "user", "", "User ID")
	profileCmd.Flags().StringVar(&profileName, "name", "", "Display name")
	profileCmd.Flags().StringVar(&profileAvatar, "avatar", "", "Avatar URL")
	profileCmd.Flags().StringVar(&profileStatus, "status", "", "Status text")
	_ = profileCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(configCmd, tokenCmd, profileCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for a user (development helper)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		svc := auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.Issuer, cfg.Auth.TokenExpire)
		token, err := svc.GenerateAccessToken(tokenUser, tokenDevice, tokenPlatform)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Publish a profile update to the cluster feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, flush, err := loadConfig()
		if err != nil {
			return err
		}
		defer flush()
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats.url is required to publish profile updates")
		}

		nc, err := cluster.Connect(cfg.NATS, cfg.App.Name+"-cli", logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		profile := model.Profile{
			UserID:      profileUser,
			DisplayName: profileName,
			AvatarURL:   profileAvatar,
			Status:      profileStatus,
			UpdatedAt:   model.Timestamp(time.Now()),
		}
		if err := cluster.PublishProfile(nc, profile); err != nil {
			return err
		}
		if err := nc.Flush(); err != nil {
			return err
		}
		logger.Info("Profile update published", "user_id", profile.UserID)
		return nil
	},
}
