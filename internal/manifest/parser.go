package manifest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/shogo82148/androidbinary"
)

// AndroidNamespace android: 属性命名空间
const AndroidNamespace = "http://schemas.android.com/apk/res/android"

// manifestXML AndroidManifest.xml 根节点（只取直接子元素）
type manifestXML struct {
	XMLName     xml.Name         `xml:"manifest"`
	Permissions []elementXML     `xml:"uses-permission"`
	Application []applicationXML `xml:"application"`
	UsesSDK     []elementXML     `xml:"uses-sdk"`
}

type applicationXML struct {
	Activities []elementXML `xml:"activity"`
	Services   []elementXML `xml:"service"`
	Receivers  []elementXML `xml:"receiver"`
	Providers  []elementXML `xml:"provider"`
}

type elementXML struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// androidAttr 读取 android:xxx 属性
// 声明了命名空间时 Space 为 URI，未声明前缀时 Space 保留 "android"
func (e elementXML) androidAttr(local string) (string, bool) {
	for _, attr := range e.Attrs {
		if attr.Name.Local != local {
			continue
		}
		if attr.Name.Space == AndroidNamespace || attr.Name.Space == "android" {
			return attr.Value, true
		}
	}
	return "", false
}

// ParseFile 解析 AndroidManifest.xml
func ParseFile(path string) (*Features, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.RequiredFileMissingError{File: filepath.Base(path)}
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse 从内存数据解析 manifest，支持文本 XML 和编译后的二进制 AXML
func Parse(data []byte) (*Features, error) {
	if isBinaryXML(data) {
		decoded, err := decodeBinaryXML(data)
		if err != nil {
			return nil, &domain.ParseError{Element: "manifest", Reason: "invalid binary XML", Err: err}
		}
		data = decoded
	}

	var doc manifestXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &domain.ParseError{Element: "manifest", Err: err}
	}

	features := &Features{
		Permissions: make([]string, 0, len(doc.Permissions)),
	}

	// 1. 权限
	for i, perm := range doc.Permissions {
		name, ok := perm.androidAttr("name")
		if !ok {
			return nil, &domain.ParseError{
				Element: "uses-permission",
				Reason:  fmt.Sprintf("element #%d has no android:name attribute", i+1),
			}
		}
		features.Permissions = append(features.Permissions, ShortPermissionName(name))
	}

	// 2. 组件统计（没有 application 节点时全部为 0）
	if len(doc.Application) > 0 {
		app := doc.Application[0]
		features.Components = Components{
			Activities: len(app.Activities),
			Services:   len(app.Services),
			Receivers:  len(app.Receivers),
			Providers:  len(app.Providers),
		}
	}

	// 3. minSdkVersion
	if len(doc.UsesSDK) == 0 {
		return nil, &domain.ParseError{Element: "uses-sdk", Reason: "element not found"}
	}
	if raw, ok := doc.UsesSDK[0].androidAttr("minSdkVersion"); ok {
		features.MinSDK = DeclaredMinSDK(raw)
	}

	return features, nil
}

// ShortPermissionName 去掉最后一个 '.' 及之前的前缀
// android.permission.INTERNET -> INTERNET
func ShortPermissionName(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// isBinaryXML 检查 AXML 魔数 (RES_XML_TYPE 0x0003, header size 0x0008)
func isBinaryXML(data []byte) bool {
	return len(data) >= 4 && data[0] == 0x03 && data[1] == 0x00 && data[2] == 0x08 && data[3] == 0x00
}

func decodeBinaryXML(data []byte) ([]byte, error) {
	xmlFile, err := androidbinary.NewXMLFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(xmlFile.Reader()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
