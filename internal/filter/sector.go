package filter

import (
	"fmt"
	"sort"
)

// Sector is a named keyword set a search can refer to instead of sending
// its own terms.
type Sector struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Keywords   []string `yaml:"keywords"`
	Exclusions []string `yaml:"exclusions"`
	ValueMin   *float64 `yaml:"valueMin"`
	ValueMax   *float64 `yaml:"valueMax"`
}

// DefaultSectorID is used when a search names neither a sector nor terms.
const DefaultSectorID = "vestuario"

// Catalog indexes sectors by ID.
type Catalog struct {
	sectors map[string]Sector
}

// NewCatalog builds a catalog. Duplicate or empty IDs are rejected.
func NewCatalog(sectors []Sector) (*Catalog, error) {
	c := &Catalog{sectors: make(map[string]Sector, len(sectors))}
	for _, s := range sectors {
		if s.ID == "" {
			return nil, fmt.Errorf("sector %q has no id", s.Name)
		}
		if _, dup := c.sectors[s.ID]; dup {
			return nil, fmt.Errorf("duplicate sector id %q", s.ID)
		}
		if len(s.Keywords) == 0 {
			return nil, fmt.Errorf("sector %q has no keywords", s.ID)
		}
		c.sectors[s.ID] = s
	}
	return c, nil
}

// Lookup returns the sector with the given ID.
func (c *Catalog) Lookup(id string) (Sector, bool) {
	s, ok := c.sectors[id]
	return s, ok
}

// IDs lists the catalog's sector IDs in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.sectors))
	for id := range c.sectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BuiltinSectors is the catalog used when no sector file is configured.
func BuiltinSectors() []Sector {
	return []Sector{
		{
			ID:   DefaultSectorID,
			Name: "Vestuário e Uniformes",
			Keywords: []string{
				"uniforme", "uniformes", "fardamento", "fardamentos",
				"jaleco", "jalecos", "camiseta", "camisetas", "camisa", "camisas",
				"calça", "calças", "bermuda", "bermudas", "saia", "saias",
				"agasalho", "agasalhos", "vestuário", "confecção", "confecções",
				"roupa profissional", "roupas profissionais", "avental", "aventais",
				"colete", "coletes", "meia", "meias", "boné", "bonés",
			},
			Exclusions: []string{
				"uniformização de procedimentos", "uniformização de jurisprudência",
				"camisa de força", "meia entrada", "meia-entrada",
				"tubo camisa", "camisa para poço",
			},
		},
		{
			ID:   "informatica",
			Name: "Tecnologia da Informação",
			Keywords: []string{
				"computador", "computadores", "notebook", "notebooks",
				"servidor de rede", "software", "licença de software",
				"impressora", "impressoras", "switch", "roteador",
			},
			Exclusions: []string{"servidor público", "servidores públicos"},
		},
		{
			ID:   "alimentos",
			Name: "Gêneros Alimentícios",
			Keywords: []string{
				"gêneros alimentícios", "merenda", "merenda escolar",
				"alimentação escolar", "hortifrutigranjeiros", "cesta básica",
			},
			Exclusions: []string{"alimentação de dados", "fonte de alimentação"},
		},
	}
}
