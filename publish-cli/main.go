package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ngds/geopub/catalog"
	"github.com/ngds/geopub/common/commonerr"
	"github.com/ngds/geopub/geoserver"
	"github.com/ngds/geopub/ingest"
	"github.com/ngds/geopub/layer"
	"github.com/ngds/geopub/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/terminal"
)

var (
	configFile string
	verbose    bool
	username   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "publish-cli",
		Short: "Publish or retract a catalog resource from the command line",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/geopub/config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&username, "user", "u", os.Getenv("USER"), "catalog user recorded with the change")

	rootCmd.AddCommand(publishCmd(), retractCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// readAPIKey prompts for the catalog API key when the configuration
// carries none and stdin is a terminal.
func readAPIKey(cfg *utils.Config) error {
	if cfg.Catalog.APIKey != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !terminal.IsTerminal(fd) {
		return fmt.Errorf("catalog.api_key is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Catalog API key: ")
	key, err := terminal.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	cfg.Catalog.APIKey = strings.TrimSpace(string(key))
	return nil
}

type env struct {
	cfg       *utils.Config
	catalog   *catalog.Client
	publisher *layer.Publisher
	logger    *zap.Logger
	close     func()
}

func setup() (*env, error) {
	cfg, err := utils.LoadConfigFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := readAPIKey(cfg); err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if verbose || cfg.Verbose {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}

	store, err := ingest.OpenPostGIS(cfg.Datastore, logger)
	if err != nil {
		return nil, err
	}
	cat := catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.APIKey, cfg.Catalog.Timeout, logger)
	gs := geoserver.NewClient(geoserver.Options{
		ServiceURL:    cfg.GeoServer.ServiceURL,
		Username:      cfg.GeoServer.Username,
		Password:      cfg.GeoServer.Password,
		DefaultStore:  cfg.GeoServer.DefaultStore,
		NamespaceBase: cfg.GeoServer.NamespaceBase,
		Timeout:       cfg.GeoServer.Timeout,
		Connection:    cfg.Datastore,
	}, logger)

	return &env{
		cfg:       cfg,
		catalog:   cat,
		publisher: layer.NewPublisher(cat, gs, cat, store, layer.Options{SiteURL: cfg.SiteURL, TempDir: os.TempDir()}, logger),
		logger:    logger,
		close: func() {
			store.Close()
			logger.Sync()
		},
	}, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func publishCmd() *cobra.Command {
	var (
		req   layer.PublishRequest
		state string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a CSV or Shapefile resource as a GeoServer layer",
		Long: `Publish loads the resource into the datastore, creates the GeoServer layer
and records WMS and WFS resources in the catalog. Layer name and version are
read from the package's content model metadata unless given as flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			ctx := context.Background()

			var models *catalog.ContentModels
			if e.cfg.ContentModels != "" {
				if models, err = catalog.LoadContentModels(e.cfg.ContentModels); err != nil {
					return err
				}
			}
			if req.LayerName == "" || req.LayerVersion == "" {
				name, version, err := e.catalog.InferContentModel(ctx, req.PackageID, req.ResourceID, models)
				if err != nil {
					return errors.Wrap(err, "content model")
				}
				if req.LayerName == "" {
					req.LayerName = name
				}
				if req.LayerVersion == "" {
					req.LayerVersion = version
				}
			}
			if req.WorkspaceName == "" {
				if state == "" {
					return commonerr.NewBadRequestError("one of --state or --workspace-name is required")
				}
				req.WorkspaceName = layer.WorkspaceName(state, req.LayerName)
			}
			req.Username = username

			l, err := e.publisher.Publish(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"layer_name":     l.Name,
				"workspace":      l.Workspace,
				"workspace_name": l.WorkspaceName,
				"table_name":     l.TableName,
				"reused":         l.Reused,
				"wms":            l.WMS.ID(),
				"wfs":            l.WFS.ID(),
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.PackageID, "package-id", "", "catalog package id")
	f.StringVar(&req.ResourceID, "resource-id", "", "catalog resource id")
	f.StringVar(&state, "state", "", "state prefix of the workspace name")
	f.StringVar(&req.WorkspaceName, "workspace-name", "", "workspace name, overrides --state")
	f.StringVar(&req.LayerName, "layer-name", "", "layer name")
	f.StringVar(&req.LayerVersion, "layer-version", "", "content model version")
	f.StringVar(&req.LatField, "lat", "", "latitude column of a CSV resource")
	f.StringVar(&req.LngField, "lng", "", "longitude column of a CSV resource")
	f.StringVar(&req.Workspace, "workspace", "", "existing GeoServer workspace to publish into")
	f.StringVar(&req.Store, "store", "", "existing GeoServer datastore to publish into")
	cmd.MarkFlagRequired("package-id")
	cmd.MarkFlagRequired("resource-id")
	return cmd
}

func retractCmd() *cobra.Command {
	var req layer.RetractRequest
	cmd := &cobra.Command{
		Use:   "retract",
		Short: "Remove a published layer and its service resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			req.Username = username
			err = e.publisher.Retract(context.Background(), req)
			var rerr *commonerr.RetractError
			if errors.As(err, &rerr) {
				for _, f := range rerr.Failures {
					fmt.Fprintf(cmd.ErrOrStderr(), "failed: %s: %v\n", f.ID, f.Err)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retracted %s\n", req.ResourceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ResourceID, "resource-id", "", "catalog resource id")
	cmd.Flags().StringVar(&req.LayerName, "layer-name", "", "layer name, read from the resource when empty")
	cmd.MarkFlagRequired("resource-id")
	return cmd
}
