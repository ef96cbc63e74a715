package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hannigan/hannigan/cmd/util"
	"github.com/hannigan/hannigan/pkg/storage/sqlite"
)

const (
	versionFlag          = "version"
	timeoutFlag          = "timeout"
	verboseMigrationFlag = "verbose"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations needed for the purge pipeline",
		Long:  `The migrate command is used to migrate the database schema needed by hannigan.`,
		RunE:  runMigration,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
			util.MustBindPFlag(versionFlag, flags.Lookup(versionFlag))
			util.MustBindPFlag(timeoutFlag, flags.Lookup(timeoutFlag))
			util.MustBindPFlag(verboseMigrationFlag, flags.Lookup(verboseMigrationFlag))
		},
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "", "(required) the datastore engine that will be used for persistence")
	flags.String(datastoreURIFlag, "", "(required) the connection uri of the database to run the migrations against (e.g. 'file:hannigan.db')")
	flags.Int64(versionFlag, 0, "the version to migrate to (if omitted the latest schema will be used)")
	flags.Duration(timeoutFlag, 1*time.Minute, "a timeout after which the migration process will terminate")
	flags.Bool(verboseMigrationFlag, false, "enable verbose migration logs (default false)")

	// NOTE: if you add a new flag here, add the binding in PreRun

	return cmd
}

func runMigration(cmd *cobra.Command, _ []string) error {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)

	switch engine {
	case "memory":
		log.Println("no migrations to run for `memory` datastore")
		return nil
	case "sqlite":
		return sqlite.RunMigrations(cmd.Context(), sqlite.MigrationConfig{
			URI:           uri,
			TargetVersion: viper.GetInt64(versionFlag),
			Timeout:       viper.GetDuration(timeoutFlag),
			Verbose:       viper.GetBool(verboseMigrationFlag),
		})
	case "":
		return fmt.Errorf("missing datastore engine type")
	default:
		return fmt.Errorf("unknown datastore engine type: %s", engine)
	}
}
