package logo

import (
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
)

func Display() {
	s, _ := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("EUR", pterm.FgYellow.ToStyle()),
		putils.LettersFromStringWithStyle("MTL", pterm.FgLightBlue.ToStyle())).Srender()
	pterm.DefaultCenter.Println(s)
	pterm.DefaultCenter.WithCenterEachLineSeparately().
		Println("Montelibero multisignature coordination service\nfor the Stellar network.")
}
