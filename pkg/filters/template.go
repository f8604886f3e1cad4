package filters

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

const parTemplate = `##############################################################################################
###########                          FILTERS                                     #############
##############################################################################################
FILTER_REP {{ .rep }}  # Repository in which the filters are stored
FILTER_LIST {{ .files | join "," }}
TRANS_TYPE 1
FILTER_CALIB {{ .calib | join "," }}
FILTER_FILE filter_roman  # name of file with filters (-> $ZPHOTWORK/filt/)
`

func writeParFile(path, rep string, files []string) error {
	tmpl, err := template.New("par").Funcs(sprig.TxtFuncMap()).Parse(parTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	calib := make([]string, len(files))
	for i := range calib {
		calib[i] = "0"
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]interface{}{
		"rep":   rep,
		"files": files,
		"calib": calib,
	}); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
